package vfs

import "context"

// CharDev is a character device driver: the target the VFS routes
// read/write on an open device-special file to, instead of the file's
// (empty) data blocks. Terminals and the memory devices implement it.
type CharDev interface {
	Read(ctx context.Context, buf []byte) (int, error)
	Write(ctx context.Context, buf []byte) (int, error)
}

// DevResolver maps the device id stored in a device inode to its
// driver. Open binds the driver once; a device id with no registered
// driver fails the open.
type DevResolver interface {
	CharDev(devid uint32) (CharDev, bool)
}
