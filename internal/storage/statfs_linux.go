//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// Superblock magic numbers from statfs(2).
var linuxFSMagic = map[uint32]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
}

func filesystemType(path string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs: %w", err)
	}
	if name, ok := linuxFSMagic[uint32(st.Type)]; ok {
		return name, nil
	}
	return fmt.Sprintf("magic:%#x", st.Type), nil
}
