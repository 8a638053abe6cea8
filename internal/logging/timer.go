package logging

import "time"

// slowThreshold marks operations worth an INFO line even outside debug runs.
const slowThreshold = 250 * time.Millisecond

// Timer measures one named operation.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing an operation in the given category.
func StartTimer(category Category, name string) *Timer {
	return &Timer{category: category, name: name, start: time.Now()}
}

// Stop logs the elapsed time. Slow operations are promoted to warnings.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed >= slowThreshold {
		l.Warn("%s took %v", t.name, elapsed)
		return
	}
	l.Debug("%s took %v", t.name, elapsed)
}
