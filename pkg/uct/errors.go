package uct

// BudgetExhausted documents that a think() call stopped because its
// playout or time budget ran out. Driver.Think/Ponder never actually
// return this as an error — running out of budget is the normal,
// successful way to stop — but the type exists so a caller building
// richer diagnostics (e.g. distinguishing "stopped on budget" from
// "stopped on cancellation" in a log line) has a named value to
// compare against rather than inventing its own.
type BudgetExhausted struct {
	Playouts int64
}

func (e *BudgetExhausted) Error() string {
	return "uct: playout/time budget exhausted"
}

// Cancelled documents that a think()/ponder() call stopped because its
// context was cancelled. Driver.Think/Ponder never return it as an
// error — cancellation is how Ponder normally ends, and both return nil
// for it — but, like BudgetExhausted, it gives callers a named value.
type Cancelled struct {
	Playouts int64
}

func (e *Cancelled) Error() string {
	return "uct: context cancelled"
}
