package target

import (
	"fmt"
	"go/scanner"
	"go/token"
	"strconv"
)

// Eval evaluates a C expression over the target's globals. Supported are
// identifiers, integer literals, member access with "." and "->",
// indexing, unary "*", "&" and "-", parentheses and casts to integer or
// pointer types, for example:
//
//	(*_procarr)[1]->pgrp->pg_session
//	*(struct proc_info *)0xc0a1b000
func (t *Target) Eval(expr string) (*Value, error) {
	p, err := newExprParser(t, expr)
	if err != nil {
		return nil, err
	}
	v, err := p.unary()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.tok != token.EOF {
		return nil, p.errorf("unexpected %s", tok)
	}
	return v, nil
}

type exprToken struct {
	pos int
	tok token.Token
	lit string
}

func (tok exprToken) String() string {
	if tok.lit != "" {
		return strconv.Quote(tok.lit)
	}
	return strconv.Quote(tok.tok.String())
}

type exprParser struct {
	t    *Target
	expr string
	toks []exprToken
	cur  int
}

func newExprParser(t *Target, expr string) (*exprParser, error) {
	p := &exprParser{t: t, expr: expr}
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(expr))
	var s scanner.Scanner
	var scanErr error
	s.Init(file, []byte(expr), func(pos token.Position, msg string) {
		if scanErr == nil {
			scanErr = fmt.Errorf("could not parse %q: %s at column %d", expr, msg, pos.Column)
		}
	}, 0)
	for {
		pos, tok, lit := s.Scan()
		if tok == token.SEMICOLON && lit == "\n" {
			continue
		}
		p.toks = append(p.toks, exprToken{pos: file.Offset(pos), tok: tok, lit: lit})
		if tok == token.EOF {
			break
		}
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return p, nil
}

func (p *exprParser) peek() exprToken {
	return p.peekN(0)
}

func (p *exprParser) peekN(n int) exprToken {
	if p.cur+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.cur+n]
}

func (p *exprParser) next() exprToken {
	tok := p.peek()
	if p.cur < len(p.toks)-1 {
		p.cur++
	}
	return tok
}

func (p *exprParser) expect(tok token.Token) error {
	if got := p.next(); got.tok != tok {
		return p.errorf("expected %q, found %s", tok.String(), got)
	}
	return nil
}

func (p *exprParser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("could not parse %q: %s", p.expr, fmt.Sprintf(format, args...))
}

func (p *exprParser) unary() (*Value, error) {
	switch p.peek().tok {
	case token.MUL:
		p.next()
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		return v.Deref()
	case token.AND:
		p.next()
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		return v.AddressOf()
	case token.SUB:
		p.next()
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		n, err := v.Int()
		if err != nil {
			return nil, err
		}
		return p.t.NewConstant(-n), nil
	case token.LPAREN:
		if typ, ok, err := p.castType(); err != nil {
			return nil, err
		} else if ok {
			v, err := p.unary()
			if err != nil {
				return nil, err
			}
			return v.Cast(typ)
		}
	}
	return p.postfix()
}

// castType consumes a parenthesized type name, if one follows.
func (p *exprParser) castType() (Type, bool, error) {
	i := 1
	tagged := false
	if tok := p.peekN(i); tok.tok == token.STRUCT || (tok.tok == token.IDENT && (tok.lit == "union" || tok.lit == "enum")) {
		tagged = true
		i++
	}
	name := p.peekN(i)
	if name.tok != token.IDENT {
		return nil, false, nil
	}
	i++
	stars := 0
	for p.peekN(i).tok == token.MUL {
		stars++
		i++
	}
	if p.peekN(i).tok != token.RPAREN {
		return nil, false, nil
	}
	if !tagged && stars == 0 {
		if _, _, err := p.t.BinInfo.Global(name.lit); err == nil {
			return nil, false, nil
		}
	}
	typ, err := p.t.FindType(name.lit)
	if err != nil {
		if tagged || stars > 0 {
			return nil, false, err
		}
		return nil, false, nil
	}
	for ; stars > 0; stars-- {
		typ = NewPtrType(typ, int64(p.t.BinInfo.PtrSize))
	}
	p.cur += i + 1
	return typ, true, nil
}

func (p *exprParser) postfix() (*Value, error) {
	v, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().tok {
		case token.PERIOD:
			p.next()
			field := p.next()
			if field.tok != token.IDENT {
				return nil, p.errorf("expected field name, found %s", field)
			}
			if v, err = v.Field(field.lit); err != nil {
				return nil, err
			}
		case token.SUB:
			if p.peekN(1).tok != token.GTR {
				return v, nil
			}
			p.next()
			p.next()
			field := p.next()
			if field.tok != token.IDENT {
				return nil, p.errorf("expected field name, found %s", field)
			}
			if _, ok := v.RealType.(*PtrType); !ok {
				return nil, fmt.Errorf("%s (type %s) is not a pointer", v.Name, v.TypeString())
			}
			if v, err = v.Field(field.lit); err != nil {
				return nil, err
			}
		case token.LBRACK:
			p.next()
			idx, err := p.unary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(token.RBRACK); err != nil {
				return nil, err
			}
			n, err := idx.Int()
			if err != nil {
				return nil, err
			}
			if v, err = v.Index(n); err != nil {
				return nil, err
			}
		default:
			return v, nil
		}
	}
}

func (p *exprParser) primary() (*Value, error) {
	tok := p.next()
	switch tok.tok {
	case token.IDENT:
		return p.t.ResolveSymbol(tok.lit)
	case token.INT:
		n, err := strconv.ParseUint(tok.lit, 0, 64)
		if err != nil {
			return nil, p.errorf("bad integer literal %s", tok.lit)
		}
		return p.t.NewConstant(int64(n)), nil
	case token.CHAR:
		c, _, _, err := strconv.UnquoteChar(tok.lit[1:len(tok.lit)-1], '\'')
		if err != nil {
			return nil, p.errorf("bad character literal %s", tok.lit)
		}
		return p.t.NewConstant(int64(c)), nil
	case token.LPAREN:
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		if err := p.expect(token.RPAREN); err != nil {
			return nil, err
		}
		return v, nil
	case token.EOF:
		return nil, p.errorf("unexpected end of expression")
	}
	return nil, p.errorf("unexpected %s", tok)
}
