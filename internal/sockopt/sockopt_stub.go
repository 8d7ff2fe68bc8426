//go:build !unix

package sockopt

const supported = false

func (o Options) apply(_ uintptr) error {
	return nil
}
