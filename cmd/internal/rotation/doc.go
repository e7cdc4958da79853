// Package rotation implements the club rotation engine: a per-club FIFO of
// suggestions, a calendar-day resolver deciding when the active item's window
// has elapsed, and the engine that promotes the next suggestion exactly once
// per elapsed window.
//
// All coordination between concurrent callers goes through Store.Rotate, which
// is the single transactional write path.
package rotation
