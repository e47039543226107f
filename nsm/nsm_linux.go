//go:build linux

package nsm

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/vtolstov/go-ioctl"
	"golang.org/x/sys/unix"
)

// message mirrors struct nsm_message of the NSM driver: one iovec for the request,
// and one for the response, whose length is updated by the driver.
type message struct {
	request  unix.Iovec
	response unix.Iovec
}

// requestMessage is _IOWR(NSM_MAGIC, 0, struct nsm_message).
var requestMessage = ioctl.IOWR(0x0A, 0, unsafe.Sizeof(message{}))

// exchange sends a serialized request to the NSM and returns the serialized response.
func exchange(nsm device, request []byte) ([]byte, error) {
	if len(request) == 0 {
		return nil, InvalidArgument
	}
	response := make([]byte, maxResponseSize)

	var msg message
	msg.request.Base = &request[0]
	msg.request.SetLen(len(request))
	msg.response.Base = &response[0]
	msg.response.SetLen(len(response))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, nsm.Fd(), requestMessage, uintptr(unsafe.Pointer(&msg)))
	runtime.KeepAlive(request)
	runtime.KeepAlive(response)
	if errno != 0 {
		return nil, fmt.Errorf("sending NSM request: %w", errno)
	}
	if int(msg.response.Len) > len(response) {
		return nil, BufferTooSmall
	}
	return response[:msg.response.Len], nil
}
