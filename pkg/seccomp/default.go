package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func baseSyscalls(b *Builder) *Builder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "openat2", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
			"sendfile", "fadvise64", "utimensat",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise", "mincore", "membarrier",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq",
			"restart_syscall",
		).
		AllowSyscalls(
			"futex", "futex_waitv",
			"gettid",
			"kill", "tkill", "tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"rt_sigtimedwait", "rt_sigsuspend", "rt_sigqueueinfo", "rt_tgsigqueueinfo",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
			"getitimer", "setitimer",
			"times", "getrusage",
		).
		AllowSyscalls(
			"getpid", "getppid", "getpgrp", "getpgid",
			"getuid", "geteuid", "getresuid",
			"getgid", "getegid", "getresgid",
			"getgroups",
			"uname",
			"getcwd",
		).
		AllowSyscalls(
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "epoll_pwait2",
			"eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "setrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"statx",
			"memfd_create",
			"copy_file_range",
		)
}

// jvmSyscalls covers what HotSpot needs for thread scheduling, NUMA-aware
// allocation and its perf data file, plus the inotify calls that
// `tail -f /dev/null` makes while keeping the container alive.
func jvmSyscalls(b *Builder) *Builder {
	return b.
		AllowSyscalls(
			"sched_getaffinity", "sched_setaffinity",
			"sched_yield",
			"sched_getparam", "sched_getscheduler",
			"sched_get_priority_max", "sched_get_priority_min",
			"getpriority", "setpriority",
			"getcpu",
		).
		AllowSyscalls(
			"get_mempolicy", "set_mempolicy", "mbind",
			"getxattr", "lgetxattr", "fgetxattr",
		).
		AllowSyscalls(
			"inotify_init", "inotify_init1", "inotify_add_watch", "inotify_rm_watch",
		)
}

func dangerousSyscalls(b *Builder) *Builder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
			"socket", "socketpair", "connect", "bind", "listen",
		)
}

// DefaultProfile returns a deny-by-default seccomp profile that lets javac
// and the JVM run but gives them no network and no kernel administration.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = jvmSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}
