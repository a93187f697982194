package test

import (
	"github.com/zeke-tools/kscope/pkg/target"
)

// Kernel is a synthetic image of the Zeke kernel's process and thread
// bookkeeping: a process table, sessions, process groups and threads.
type Kernel struct {
	Img *Image
	BI  *target.BinaryInfo

	Session  *target.StructType
	Pgrp     *target.StructType
	Proc     *target.StructType
	Thread   *target.StructType
	Mtx      *target.StructType
	Sigset   *target.TypedefType
	Ksiginfo *target.StructType
	Signals  *target.StructType

	// ProcTable is the address of the array _procarr points to.
	ProcTable uint64
	MaxProc   int

	procs map[int]uint64
}

// Kernel global and type names.
const (
	ProcArrSym       = "_procarr"
	MaxProcSym       = "act_maxproc"
	CurrentThreadSym = "current_thread"
	ProcNameLen      = 16
	LoginLen         = 17
)

// NewKernel returns a kernel whose process table has maxproc+1 slots.
// One more slot is allocated past act_maxproc so that out of range
// lookups would read valid memory if they were not rejected.
func NewKernel(maxproc int) *Kernel {
	k := &Kernel{
		Img:     NewImage(0xc0100000),
		MaxProc: maxproc,
		procs:   make(map[int]uint64),
	}
	k.BI = target.NewBinaryInfo(k.Img.Order, PtrSize)
	k.defineTypes()

	table := Array(Ptr(k.Proc), -1)

	arrp := k.Img.Alloc(PtrSize, PtrSize)
	k.ProcTable = k.Img.Alloc(int64(maxproc+2)*PtrSize, PtrSize)
	k.Img.PutUint(arrp, PtrSize, k.ProcTable)
	k.BI.AddGlobal(ProcArrSym, arrp, Ptr(table))

	maxp := k.Img.Alloc(4, 4)
	k.Img.PutUint(maxp, 4, uint64(maxproc))
	k.BI.AddGlobal(MaxProcSym, maxp, Int)

	cur := k.Img.Alloc(PtrSize, PtrSize)
	k.BI.AddGlobal(CurrentThreadSym, cur, Ptr(k.Thread))
	return k
}

func (k *Kernel) defineTypes() {
	pid := Typedef("pid_t", Int)

	mtxType := &target.EnumType{
		CommonType: target.CommonType{ByteSize: 4, Name: "mtx_type"},
		EnumName:   "mtx_type",
		Val: []target.EnumValue{
			{Name: "MTX_TYPE_UNDEF", Val: 0},
			{Name: "MTX_TYPE_SPIN", Val: 1},
			{Name: "MTX_TYPE_TICKET", Val: 2},
		},
	}
	k.Mtx = Struct("mtx",
		F("mtx_type", mtxType),
		F("mtx_flags", Integer("unsigned int", 4, false)),
		F("mtx_lock", Typedef("atomic_t", Int)),
	)
	mtxT := Typedef("mtx_t", k.Mtx)

	k.Sigset = Typedef("sigset_t", Struct("__sigset", F("__bits", Array(Uint32, 4))))

	siginfo := Typedef("siginfo_t", Struct("",
		F("si_signo", Int),
		F("si_code", Int),
		F("si_errno", Int),
		F("si_pid", pid),
	))
	k.Ksiginfo = Declare("ksiginfo")
	Define(k.Ksiginfo, F("siginfo", siginfo), F("_entry", STailQEntry(k.Ksiginfo)))

	k.Signals = Struct("signals",
		F("s_block", k.Sigset),
		F("s_wait", k.Sigset),
		F("s_running", k.Sigset),
		F("s_pendqueue", STailQHead("sigwait_queue", k.Ksiginfo)),
		F("s_lock", mtxT),
	)

	k.Session = Declare("session")
	k.Pgrp = Declare("pgrp")
	k.Proc = Declare("proc_info")
	k.Thread = Declare("thread_info")

	Define(k.Session,
		F("s_leader", pid),
		F("s_login", Array(Char, LoginLen)),
		F("s_refcount", Int),
		F("s_pgrp_list_head", TailQHead("pgrp_list", k.Pgrp)),
		F("s_session_list_entry_", TailQEntry(k.Session)),
	)
	Define(k.Pgrp,
		F("pg_id", pid),
		F("pg_session", Ptr(k.Session)),
		F("pg_proc_list_head", TailQHead("proc_list", k.Proc)),
		F("pg_pgrp_entry_", TailQEntry(k.Pgrp)),
		F("pg_refcount", Int),
	)

	procState := &target.EnumType{
		CommonType: target.CommonType{ByteSize: 4, Name: "proc_state"},
		EnumName:   "proc_state",
		Val: []target.EnumValue{
			{Name: "PROC_STATE_INITIAL", Val: 0},
			{Name: "PROC_STATE_RUNNING", Val: 1},
			{Name: "PROC_STATE_READY", Val: 2},
			{Name: "PROC_STATE_WAITING", Val: 3},
			{Name: "PROC_STATE_STOPPED", Val: 4},
			{Name: "PROC_STATE_ZOMBIE", Val: 5},
			{Name: "PROC_STATE_DEFUNCT", Val: 6},
		},
	}
	Define(k.Proc,
		F("pid", pid),
		F("name", Array(Char, ProcNameLen)),
		F("state", procState),
		F("priority", Int),
		F("exit_code", Int),
		F("exit_signal", Int),
		F("timeout", Ulong),
		F("sigs", k.Signals),
		F("pgrp", Ptr(k.Pgrp)),
		F("pgrp_proc_entry_", TailQEntry(k.Proc)),
		F("inh", Struct("inh",
			F("parent", Ptr(k.Proc)),
			F("child_list_head", SListHead("proc_child_list", k.Proc)),
			F("child_list_entry", SListEntry(k.Proc)),
			F("lock", mtxT),
		)),
		F("main_thread", Ptr(k.Thread)),
	)

	Define(k.Thread,
		F("id", Typedef("pthread_t", Int)),
		F("pid_owner", pid),
		F("flags", Uint32),
		F("retval", Long),
		F("priority", Int),
		F("sigs", k.Signals),
		F("sched", Struct("sched_tiny",
			F("state", Int),
			F("policy_flags", Uint32),
			F("ts_counter", Int),
		)),
		F("param", Struct("sched_param",
			F("sched_policy", Int),
			F("sched_priority", Int),
		)),
		F("inh", Struct("thread_inheritance",
			F("parent", Ptr(k.Thread)),
			F("first_child", Ptr(k.Thread)),
			F("next_child", Ptr(k.Thread)),
		)),
	)

	k.BI.AddType("pid_t", pid)
	k.BI.AddType("mtx_t", mtxT)
	k.BI.AddType("sigset_t", k.Sigset)
	for _, st := range []*target.StructType{k.Mtx, k.Ksiginfo, k.Signals, k.Session, k.Pgrp, k.Proc, k.Thread} {
		k.BI.AddType(st.StructName, st)
	}
}

// Target returns a target over the kernel image.
func (k *Kernel) Target() *target.Target {
	return k.Img.Target(k.BI)
}

// NewSession allocates a session led by leader.
func (k *Kernel) NewSession(leader int, login string) uint64 {
	s := k.Img.New(k.Session)
	k.Img.Set(s, k.Session, "s_leader", uint64(leader))
	k.Img.SetString(s, k.Session, "s_login", login)
	k.Img.Set(s, k.Session, "s_refcount", 1)
	return s
}

// NewPgrp allocates a process group and appends it to the session's
// group list.
func (k *Kernel) NewPgrp(id int, session uint64) uint64 {
	pg := k.Img.New(k.Pgrp)
	k.Img.Set(pg, k.Pgrp, "pg_id", uint64(id))
	k.Img.Set(pg, k.Pgrp, "pg_session", session)
	k.Img.Set(pg, k.Pgrp, "pg_refcount", 1)
	if session != 0 {
		k.appendTailQ(session, k.Session, "s_pgrp_list_head", pg, k.Pgrp, "pg_pgrp_entry_")
		k.Img.Set(session, k.Session, "s_refcount", k.get(session, k.Session, "s_refcount")+1)
	}
	return pg
}

// NewProc allocates a process, stores it in the process table and appends
// it to its parent's children. Parent 0 creates a root process.
func (k *Kernel) NewProc(pid int, name string, parent uint64) uint64 {
	p := k.Img.New(k.Proc)
	k.Img.Set(p, k.Proc, "pid", uint64(pid))
	k.Img.SetString(p, k.Proc, "name", name)
	k.Img.Set(p, k.Proc, "priority", 0)
	k.Img.Set(p, k.Proc, "inh.parent", parent)
	if parent != 0 {
		k.appendSList(parent, k.Proc, "inh.child_list_head", p, "inh.child_list_entry")
	}
	k.SetProcSlot(pid, p)
	k.procs[pid] = p
	return p
}

// SetProcSlot stores p in the process table at index i.
func (k *Kernel) SetProcSlot(i int, p uint64) {
	k.Img.PutUint(k.ProcTable+uint64(i)*PtrSize, PtrSize, p)
}

// NewThread allocates a thread owned by process owner and appends it to
// parent's children. Parent 0 creates a root thread.
func (k *Kernel) NewThread(id, owner int, parent uint64) uint64 {
	th := k.Img.New(k.Thread)
	k.Img.Set(th, k.Thread, "id", uint64(id))
	k.Img.Set(th, k.Thread, "pid_owner", uint64(owner))
	k.Img.Set(th, k.Thread, "inh.parent", parent)
	if parent != 0 {
		first := k.get(parent, k.Thread, "inh.first_child")
		if first == 0 {
			k.Img.Set(parent, k.Thread, "inh.first_child", th)
		} else {
			last := first
			for next := first; next != 0; next = k.get(next, k.Thread, "inh.next_child") {
				last = next
			}
			k.Img.Set(last, k.Thread, "inh.next_child", th)
		}
	}
	if p, ok := k.procs[owner]; ok && k.get(p, k.Proc, "main_thread") == 0 {
		k.Img.Set(p, k.Proc, "main_thread", th)
	}
	return th
}

// SetCurrentThread points current_thread at th.
func (k *Kernel) SetCurrentThread(th uint64) {
	addr, _, err := k.BI.Global(CurrentThreadSym)
	if err != nil {
		panic(err)
	}
	k.Img.PutUint(addr, PtrSize, th)
}

// NewKsiginfo allocates a queued signal and appends it to the pending
// queue of the signals record at sigs.
func (k *Kernel) NewKsiginfo(sigs uint64, signo, pid int) uint64 {
	ks := k.Img.New(k.Ksiginfo)
	k.Img.Set(ks, k.Ksiginfo, "siginfo.si_signo", uint64(signo))
	k.Img.Set(ks, k.Ksiginfo, "siginfo.si_pid", uint64(pid))
	first := k.get(sigs, k.Signals, "s_pendqueue.stqh_first")
	if first == 0 {
		k.Img.Set(sigs, k.Signals, "s_pendqueue.stqh_first", ks)
	} else {
		last := first
		for n := k.get(last, k.Ksiginfo, "_entry.stqe_next"); n != 0; n = k.get(last, k.Ksiginfo, "_entry.stqe_next") {
			last = n
		}
		k.Img.Set(last, k.Ksiginfo, "_entry.stqe_next", ks)
	}
	k.Img.Set(sigs, k.Signals, "s_pendqueue.stqh_last", FieldAddr(ks, k.Ksiginfo, "_entry.stqe_next"))
	return ks
}

func (k *Kernel) appendSList(owner uint64, nodeType target.Type, head string, node uint64, entry string) {
	ownerType := nodeType
	next := k.get(owner, ownerType, head+".slh_first")
	if next == 0 {
		k.Img.Set(owner, ownerType, head+".slh_first", node)
		return
	}
	for {
		n := k.get(next, nodeType, entry+".sle_next")
		if n == 0 {
			k.Img.Set(next, nodeType, entry+".sle_next", node)
			return
		}
		next = n
	}
}

func (k *Kernel) appendTailQ(owner uint64, ownerType target.Type, head string, node uint64, nodeType target.Type, entry string) {
	last := k.get(owner, ownerType, head+".tqh_first")
	if last == 0 {
		k.Img.Set(owner, ownerType, head+".tqh_first", node)
		k.Img.Set(node, nodeType, entry+".tqe_prev", FieldAddr(owner, ownerType, head+".tqh_first"))
		return
	}
	for n := k.get(last, nodeType, entry+".tqe_next"); n != 0; n = k.get(last, nodeType, entry+".tqe_next") {
		last = n
	}
	k.Img.Set(last, nodeType, entry+".tqe_next", node)
	k.Img.Set(node, nodeType, entry+".tqe_prev", FieldAddr(last, nodeType, entry+".tqe_next"))
}

func (k *Kernel) get(addr uint64, typ target.Type, path string) uint64 {
	off, ft := Offset(typ, path)
	return k.Img.getN(addr+uint64(off), int(ft.Size()))
}

func (img *Image) getN(addr uint64, size int) uint64 {
	b := img.slice(addr, size)
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(img.Order.Uint16(b))
	case 4:
		return uint64(img.Order.Uint32(b))
	}
	return img.Order.Uint64(b)
}

// FieldAddr returns the address of the member at path of the record of
// type typ at addr.
func FieldAddr(addr uint64, typ target.Type, path string) uint64 {
	off, _ := Offset(typ, path)
	return addr + uint64(off)
}
