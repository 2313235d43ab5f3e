package ipc

import "golang.org/x/sys/unix"

// LOCAL_PEERCRED carries no pid on darwin; the uid is all we need.
func peerUID(fd int) (int, error) {
	cred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return -1, err
	}
	return int(cred.Uid), nil
}
