package errors

import "errors"

// Join collects non-nil errors, nil when there are none.
func Join(errs ...error) error {
	var errSlice []error
	for _, err := range errs {
		if err != nil {
			errSlice = append(errSlice, err)
		}
	}
	if len(errSlice) == 0 {
		return nil
	}
	if len(errSlice) == 1 {
		return errSlice[0]
	}
	return errors.Join(errSlice...)
}

// Append joins err into *dst, used from deferred cleanup.
func Append(dst *error, err error) {
	if err == nil {
		return
	}
	*dst = Join(*dst, err)
}
