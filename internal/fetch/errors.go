package fetch

import "fmt"

// FetchError reports a failure to acquire a dependency archive.
type FetchError struct {
	Name string
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("fetch %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("fetch %s from %s: %v", e.Name, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// UnpackError reports a corrupt or unsupported archive.
type UnpackError struct {
	Name    string
	Archive string
	Err     error
}

func (e *UnpackError) Error() string {
	return fmt.Sprintf("unpack %s (%s): %v", e.Name, e.Archive, e.Err)
}

func (e *UnpackError) Unwrap() error {
	return e.Err
}
