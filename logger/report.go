package logger

import (
	"sort"
	"sync"
	"sync/atomic"
)

type componentStat struct {
	warns  int64
	errors int64
}

var components sync.Map // map[string]*componentStat

func statFor(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&statFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&statFor(component).errors, 1)
}

// Counts returns the warnings and errors logged for component so far.
func Counts(component string) (warns, errors int64) {
	v, ok := components.Load(component)
	if !ok {
		return 0, 0
	}
	s := v.(*componentStat)
	return atomic.LoadInt64(&s.warns), atomic.LoadInt64(&s.errors)
}

// LogReport emits one line per component that logged warnings or errors
// during the run.
func LogReport(log *Log) {
	names := make([]string, 0)
	components.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)

	for _, name := range names {
		warns, errs := Counts(name)
		if warns == 0 && errs == 0 {
			continue
		}
		log.WithComponent("report").WithFields(Fields{
			"reported_component": name,
			"warnings":           warns,
			"errors":             errs,
		}).Info("run report")
	}
}
