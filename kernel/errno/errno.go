// Package errno defines the POSIX-style error numbers the kernel reports
// across its call surface. Calls return zero on success and the negated
// error number on failure.
package errno

const (
	// ENOENT means no task or object with the given identifier exists.
	ENOENT = 2
	// EBADF means an operation was attempted on an invalid handle.
	EBADF = 9
	// EAGAIN means the operation would not have blocked and did nothing.
	EAGAIN = 11
	// EINVAL means an argument was rejected before any state changed.
	EINVAL = 22
	// ENOSYS means the call is not supported.
	ENOSYS = 38
	// ETIME means a timed operation ran out of time.
	ETIME = 62
	// ETIMEDOUT means a wait was abandoned because its deadline passed.
	ETIMEDOUT = 110
	// ECANCELED means a wait was abandoned on request.
	ECANCELED = 125
)
