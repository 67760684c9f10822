package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Syscall name sets per isolation level. These are the single source of
// truth for sandbox descriptor whitelists; the builder below turns a
// whitelist into a deny-by-default profile for the engine host process.

// StrictSyscalls is the minimal set: process exit and memory mapping
// only. Zero-trust executions never get more than this.
func StrictSyscalls() []string {
	return []string{
		"exit", "exit_group",
		"brk", "mmap", "munmap",
	}
}

// ModerateSyscalls adds basic file I/O to the strict set.
func ModerateSyscalls() []string {
	return append(StrictSyscalls(),
		"open", "openat", "close",
		"read", "write", "lseek",
		"fstat", "newfstatat",
		"mprotect", "madvise",
		"clock_gettime", "nanosleep",
		"getrandom",
	)
}

// PermissiveSyscalls is the near-complete set for trusted-adjacent
// workloads. Mount, module, and tracing syscalls are still excluded.
func PermissiveSyscalls() []string {
	return append(ModerateSyscalls(),
		"readv", "writev", "pread64", "pwrite64",
		"stat", "lstat",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3",
		"fcntl", "flock",
		"poll", "ppoll", "select", "pselect6",
		"pipe", "pipe2",
		"readlink", "readlinkat",
		"getdents64",
		"mremap",
		"futex",
		"gettid", "getpid", "getppid",
		"getuid", "geteuid", "getgid", "getegid",
		"uname", "getcwd", "sysinfo",
		"clock_getres", "gettimeofday", "clock_nanosleep",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"eventfd2",
		"mkdir", "mkdirat", "rmdir",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat",
		"ftruncate", "fallocate",
		"fsync", "fdatasync",
		"statfs", "fstatfs", "statx",
		"chdir", "fchdir", "umask",
		"getrlimit", "prlimit64",
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt", "getsockname", "getpeername",
		"shutdown",
	)
}

// NetworkSyscalls lists the syscalls stripped from any whitelist when
// the active phase denies network access.
func NetworkSyscalls() []string {
	return []string{
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt", "getsockname", "getpeername",
		"shutdown",
	}
}

// FilesystemSyscalls lists the syscalls stripped from any whitelist when
// the active phase denies filesystem access.
func FilesystemSyscalls() []string {
	return []string{
		"open", "openat", "creat",
		"mkdir", "mkdirat", "rmdir",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat",
		"ftruncate", "fallocate",
		"symlink", "symlinkat", "link", "linkat",
		"chmod", "fchmod", "fchmodat",
		"getdents64",
	}
}

// FromWhitelist builds a deny-by-default seccomp profile allowing
// exactly the given syscalls, with the always-dangerous set trapped.
func FromWhitelist(names []string) *specs.LinuxSeccomp {
	b := NewBuilder()
	b.AllowSyscalls(names...)
	b.TrapSyscalls(
		"ptrace",
		"process_vm_readv", "process_vm_writev",
		"keyctl", "add_key", "request_key",
		"bpf",
		"perf_event_open",
		"userfaultfd",
		"kexec_load", "kexec_file_load",
		"finit_module", "init_module", "delete_module",
	)
	b.BlockSyscalls(
		"mount", "umount2", "pivot_root",
		"reboot",
		"swapon", "swapoff",
		"sethostname", "setdomainname",
		"setns", "unshare",
		"settimeofday", "adjtimex", "clock_adjtime",
		"ioperm", "iopl",
	)
	return b.Build()
}
