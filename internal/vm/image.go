package vm

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

var (
	vmdkSparseMagic     = []byte("KDMV")
	vmdkDescriptorMagic = []byte("# Disk DescriptorFile")
	qcow2Magic          = []byte{'Q', 'F', 'I', 0xfb}
)

// validateImage checks that the disk image exists and starts with a known
// header: a hosted sparse VMDK extent, a VMDK descriptor, or qcow2.
func validateImage(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: cannot open %s: %v", ErrInvalidImage, path, err)
	}
	defer f.Close()

	header := make([]byte, len(vmdkDescriptorMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("%w: cannot read header of %s: %v", ErrInvalidImage, path, err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, vmdkSparseMagic):
		return "vmdk", nil
	case bytes.HasPrefix(header, vmdkDescriptorMagic):
		return "vmdk", nil
	case bytes.HasPrefix(header, qcow2Magic):
		return "qcow2", nil
	}
	return "", fmt.Errorf("%w: %s has unknown format (header: %x)", ErrInvalidImage, path, header)
}
