//go:build !linux && !darwin && !freebsd

package terminal

func (p *pager) getWindowSize() bool {
	return false
}
