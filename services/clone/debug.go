package clone

import "sync"

// Debug injection points recognized by the clone task. Tests use these to
// delay or fail tasks at the top of the state machine.
const (
	// DebugWaitClone delays the task; the value is a time.Duration.
	DebugWaitClone = "CloneTask.wait_clone"

	// DebugFailClone fails the task before it starts.
	DebugFailClone = "CloneTask.failed_clone"
)

var (
	debugMu     sync.Mutex
	debugPoints = make(map[string]interface{})
)

// SetDebugPoint arms a debug injection point.
func SetDebugPoint(name string, value interface{}) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugPoints[name] = value
}

// ClearDebugPoint disarms a debug injection point.
func ClearDebugPoint(name string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	delete(debugPoints, name)
}

func debugPoint(name string) (interface{}, bool) {
	debugMu.Lock()
	defer debugMu.Unlock()
	v, ok := debugPoints[name]
	return v, ok
}
