package application

import "fmt"

var (
	ErrNotFound = fmt.Errorf("not found")
	ErrUpstream = fmt.Errorf("upstream error")
)
