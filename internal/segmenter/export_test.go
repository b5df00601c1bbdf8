package segmenter

// SetHandledHook installs fn to run after the segmenter goroutine finishes
// handling each timer event. It must be called before Start.
func SetHandledHook(s *Segmenter, fn func()) { s.handled = fn }
