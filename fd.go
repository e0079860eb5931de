package ldbus

// UnixFD is the value of a DBus unix file descriptor. On the wire it
// is an index into the array of file descriptors sent alongside a
// message, not the file descriptor number itself.
//
// Use [Message.AttachFile] to attach a file to an outgoing message,
// and [Message.File] to retrieve the file for a received value.
type UnixFD uint32
