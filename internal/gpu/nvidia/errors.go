package nvidia

import (
	"codeberg.org/mutker/gpuctl/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	ErrInitFailed        = errors.ErrorCode("nvml_init_failed")
	ErrShutdownFailed    = errors.ErrorCode("nvml_shutdown_failed")
	ErrDeviceCountFailed = errors.ErrorCode("nvml_device_count_failed")
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

// isSuccess checks if a Return value indicates success
func isSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}

// mapReturn converts a failed NVML call into the daemon's error taxonomy.
func mapReturn(op string, ret nvml.Return) error {
	if isSuccess(ret) {
		return nil
	}

	errFactory := errors.New()
	cause := newNVMLError(ret)

	var code errors.ErrorCode
	switch ret {
	case nvml.ERROR_GPU_IS_LOST:
		code = errors.ErrDeviceGone
	case nvml.ERROR_NO_PERMISSION:
		code = errors.ErrPermissionDenied
	case nvml.ERROR_NOT_SUPPORTED:
		code = errors.ErrUnsupportedParameter
	case nvml.ERROR_TIMEOUT:
		code = errors.ErrTimeout
	default:
		code = errors.ErrHardwareRejected
	}

	return errFactory.Wrap(code, cause).WithMessage(op + ": " + cause.Error())
}
