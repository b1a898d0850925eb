package uds

import "sync"

// RoutineHandler implements one remotely controllable routine.
// Each method returns the routine status record for the positive response and
// a zero NRC on success.
type RoutineHandler interface {
	Start(params []byte) (record []byte, nrc byte)
	Stop() (record []byte, nrc byte)
	Result() (record []byte, nrc byte)
}

// RoutineFuncs adapts three closures to RoutineHandler; nil entries answer
// sub-function-not-supported.
type RoutineFuncs struct {
	OnStart  func(params []byte) ([]byte, byte)
	OnStop   func() ([]byte, byte)
	OnResult func() ([]byte, byte)
}

func (r RoutineFuncs) Start(params []byte) ([]byte, byte) {
	if r.OnStart == nil {
		return nil, NRCSubFunctionNotSupported
	}
	return r.OnStart(params)
}

func (r RoutineFuncs) Stop() ([]byte, byte) {
	if r.OnStop == nil {
		return nil, NRCSubFunctionNotSupported
	}
	return r.OnStop()
}

func (r RoutineFuncs) Result() ([]byte, byte) {
	if r.OnResult == nil {
		return nil, NRCSubFunctionNotSupported
	}
	return r.OnResult()
}

// RoutineRegistry maps routine identifiers to their handlers.
type RoutineRegistry struct {
	mu       sync.Mutex
	routines map[uint16]RoutineHandler
}

func NewRoutineRegistry() *RoutineRegistry {
	return &RoutineRegistry{routines: make(map[uint16]RoutineHandler)}
}

func (r *RoutineRegistry) Register(id uint16, h RoutineHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routines[id] = h
}

func (r *RoutineRegistry) lookup(id uint16) (RoutineHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.routines[id]
	return h, ok
}
