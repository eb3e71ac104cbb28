package util

// MustString unwraps fn's result, substituting the empty string on error.
func MustString(fn func() (string, error)) string {
	s, err := fn()
	if err != nil {
		return ""
	}
	return s
}
