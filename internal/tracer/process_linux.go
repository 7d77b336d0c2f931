//go:build linux

package tracer

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup places the child in its own process group so Finalize
// can signal the whole tree (children included) rather than just the
// direct child.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// finalizeGroup sends sig to the process group rooted at pid.
func finalizeGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// setAffinity pins pid to exactly the CPUs in cpuList.
func setAffinity(pid int, cpuList []int) error {
	if len(cpuList) == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpuList {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(pid, &set)
}
