package vma

// MmapProt mirrors the mmap(2) PROT_* vocabulary a syscall layer receives
// from userspace, translated into a Flags value when a VMA is constructed.
// Not part of the internal Flags set itself.
type MmapProt uint32

const (
	ProtNone  MmapProt = 0
	ProtRead  MmapProt = 1 << 0
	ProtWrite MmapProt = 1 << 1
	ProtExec  MmapProt = 1 << 2
)

// MmapFlags mirrors mmap(2)'s MAP_* vocabulary.
type MmapFlags uint32

const (
	MapShared    MmapFlags = 1 << 0
	MapPrivate   MmapFlags = 1 << 1
	MapFixed     MmapFlags = 1 << 2
	MapAnonymous MmapFlags = 1 << 3
)

// FlagsFromMmap translates the syscall-facing prot/flags bits into the
// internal Flags set a VMA is constructed with. User-mode VMAs always carry
// FlagUser; callers building kernel-only mappings should not go through
// this helper.
func FlagsFromMmap(prot MmapProt, flags MmapFlags) Flags {
	var f Flags
	if prot&ProtRead != 0 {
		f |= FlagRead
	}
	if prot&ProtWrite != 0 {
		f |= FlagWrite
	}
	if prot&ProtExec != 0 {
		f |= FlagExec
	}
	if flags&MapShared != 0 {
		f |= FlagShared
	}
	f |= FlagUser
	return f
}
