package io

// CloserFunc adapts a plain function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error {
	if f == nil {
		return nil
	}
	return f()
}
