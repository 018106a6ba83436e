package reporter

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Identity 为容器 init 进程的 OS 层身份。
type Identity struct {
	PidNS    uint64
	MntNS    uint64
	CgroupID uint64
}

// IdentityReader 通过 /proc/<pid>/ns 与 cgroup v2 目录 inode 读取容器身份。
type IdentityReader struct {
	fs         procfs.FS
	cgroupRoot string
}

func NewIdentityReader(procRoot, cgroupRoot string) (*IdentityReader, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	if cgroupRoot == "" {
		cgroupRoot = "/sys/fs/cgroup"
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", procRoot, err)
	}
	return &IdentityReader{fs: fs, cgroupRoot: cgroupRoot}, nil
}

func (r *IdentityReader) Read(pid int) (Identity, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return Identity{}, fmt.Errorf("open proc %d: %w", pid, err)
	}

	ns, err := proc.Namespaces()
	if err != nil {
		return Identity{}, fmt.Errorf("read namespaces of %d: %w", pid, err)
	}
	pidNS, ok := ns["pid"]
	if !ok {
		return Identity{}, fmt.Errorf("pid namespace of %d not found", pid)
	}
	mntNS, ok := ns["mnt"]
	if !ok {
		return Identity{}, fmt.Errorf("mnt namespace of %d not found", pid)
	}
	out := Identity{PidNS: uint64(pidNS.Inode), MntNS: uint64(mntNS.Inode)}

	groups, err := proc.Cgroups()
	if err != nil {
		return Identity{}, fmt.Errorf("read cgroups of %d: %w", pid, err)
	}
	for _, g := range groups {
		// cgroup v2 统一层级的 hierarchy id 为 0；cgroup id 即目录 inode。
		if g.HierarchyID != 0 {
			continue
		}
		var st unix.Stat_t
		dir := filepath.Join(r.cgroupRoot, g.Path)
		if err := unix.Stat(dir, &st); err != nil {
			return Identity{}, fmt.Errorf("stat cgroup %s: %w", dir, err)
		}
		out.CgroupID = st.Ino
		break
	}
	return out, nil
}
