package eventloop

// prepareHandle runs its callback once per iteration, right before the loop
// polls for I/O.
type prepareHandle struct {
	cb func()
	handle
}

func newPrepareHandle(loop *Loop) *prepareHandle {
	p := &prepareHandle{}
	p.init(loop, kindPrepare)
	p.stopFn = p.disarm
	return p
}

func (p *prepareHandle) start(cb func()) {
	if p.isClosing() {
		return
	}
	p.cb = cb
	p.handle.start()
}

func (p *prepareHandle) disarm() {
	p.cb = nil
	p.handle.stop()
}

// runPrepare is the prepare phase.
func (l *Loop) runPrepare() {
	if p := l.prepare; p != nil && p.isActive() && p.cb != nil {
		l.safeExecute(p.cb)
	}
}
