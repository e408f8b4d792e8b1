// Package errutil provides the one facade-boundary helper that turns any
// error into one carrying a recognized taxonomy Kind, per the error
// handling design in SPEC_FULL.md §6b/§7.
package errutil

import "github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"

// Internal wraps err as errs.KindInternal unless it already carries a
// recognized Kind, so a facade can always rely on errs.KindOf(Internal(err))
// returning something meaningful instead of leaking an untyped error.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != errs.KindInternal {
		return err
	}
	return errs.Wrap(errs.KindInternal, "internal error", err)
}
