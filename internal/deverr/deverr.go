// Package deverr holds the error codes shared by the sysfs, netlink and udev
// packages. Errors are built with go-errors (errors.New / errors.Wrap with one
// of the codes below) so that callers can branch on a stable code instead of
// matching messages.
package deverr

import (
	goerrors "errors"

	"github.com/agilira/go-errors"
)

const (
	CodeNotFound         = "UDEV_NOT_FOUND"
	CodeNotADevice       = "UDEV_NOT_A_DEVICE"
	CodeLinkResolution   = "UDEV_LINK_RESOLUTION"
	CodeAttributeRemoved = "UDEV_ATTRIBUTE_REMOVED"
	CodePermissionDenied = "UDEV_PERMISSION_DENIED"
	CodeSocket           = "UDEV_SOCKET_ERROR"
	CodeMalformedEvent   = "UDEV_MALFORMED_EVENT"
	CodeClosed           = "UDEV_CLOSED"
	CodeCorruptDatabase  = "UDEV_HWDB_CORRUPT"
)

// Code returns the code of the outermost coded error in err's chain, or ""
// if there is none.
func Code(err error) string {
	for err != nil {
		if coder, ok := err.(errors.ErrorCoder); ok {
			return string(coder.ErrorCode())
		}
		err = goerrors.Unwrap(err)
	}
	return ""
}

// Is reports whether any error in err's chain carries the given code.
func Is(err error, code string) bool {
	for err != nil {
		if coder, ok := err.(errors.ErrorCoder); ok && string(coder.ErrorCode()) == code {
			return true
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				if Is(e, code) {
					return true
				}
			}
			return false
		}
		err = goerrors.Unwrap(err)
	}
	return false
}

// IsVanished reports whether err describes a device or attribute that
// disappeared between listing and reading. The kernel device graph changes
// under any observer, so these are skipped rather than surfaced.
func IsVanished(err error) bool {
	return Is(err, CodeNotFound) || Is(err, CodeNotADevice) || Is(err, CodeAttributeRemoved)
}
