package collab

// Permission is a bit in a publish or subscribe mask. Each bit covers one
// category of edit command.
type Permission uint64

const (
	PermUndefine  Permission = 0x1
	PermMakeCode  Permission = 0x2
	PermMakeData  Permission = 0x4
	PermSegments  Permission = 0x8
	PermRename    Permission = 0x10
	PermFunctions Permission = 0x20
	PermBytePatch Permission = 0x40
	PermComments  Permission = 0x80
	PermOpTypes   Permission = 0x100
	PermEnums     Permission = 0x200
	PermStructs   Permission = 0x400
	PermFlirt     Permission = 0x800
	PermThunk     Permission = 0x1000
	PermXref      Permission = 0x2000
)

const (
	// FullPermissions is every bit of the 31-bit mask.
	FullPermissions uint64 = 0x7fffffff

	// DefaultPublish and DefaultSubscribe cover every defined category.
	DefaultPublish   uint64 = 0x3fff
	DefaultSubscribe uint64 = 0x3fff
)

// PermissionLabels are the human-readable category names in bit order.
// Clients render them when choosing masks.
var PermissionLabels = []string{
	"Undefine",
	"Make Code",
	"Make Data",
	"Segments",
	"Renames",
	"Functions",
	"Byte Patch",
	"Comments",
	"Optypes",
	"Enums",
	"Structs",
	"Flirt",
	"Thunk",
	"Xrefs",
}

var commandPermissions = map[string]Permission{
	"undefine":  PermUndefine,
	"make_code": PermMakeCode,
	"make_data": PermMakeData,

	"segm_added":     PermSegments,
	"segm_deleted":   PermSegments,
	"segm_start_chg": PermSegments,
	"segm_end_chg":   PermSegments,
	"segm_moved":     PermSegments,
	"move_segm":      PermSegments,

	"set_stack_var_name": PermRename,
	"renamed":            PermRename,

	"func_tail_appended": PermFunctions,
	"func_tail_removed":  PermFunctions,
	"tail_owner_chg":     PermFunctions,
	"func_noret_chg":     PermFunctions,
	"add_func":           PermFunctions,
	"del_func":           PermFunctions,
	"set_func_start":     PermFunctions,
	"set_func_end":       PermFunctions,

	"byte_patched": PermBytePatch,

	"range_cmt_chg": PermComments,
	"area_cmt_chg":  PermComments,
	"cmt_changed":   PermComments,

	"ti_changed":      PermOpTypes,
	"op_ti_changed":   PermOpTypes,
	"op_type_changed": PermOpTypes,

	"enum_created":       PermEnums,
	"enum_deleted":       PermEnums,
	"enum_bf_changed":    PermEnums,
	"enum_renamed":       PermEnums,
	"enum_cmt_changed":   PermEnums,
	"enum_const_created": PermEnums,
	"enum_const_deleted": PermEnums,

	"struc_created":           PermStructs,
	"struc_deleted":           PermStructs,
	"struc_renamed":           PermStructs,
	"struc_expanded":          PermStructs,
	"struc_cmt_changed":       PermStructs,
	"create_struc_mbr_data":   PermStructs,
	"create_struc_mbr_struc":  PermStructs,
	"create_struc_mbr_ref":    PermStructs,
	"create_struc_mbr_stroff": PermStructs,
	"create_struc_mbr_str":    PermStructs,
	"create_struc_mbr_enum":   PermStructs,
	"create_struc_mbr_offset": PermStructs,
	"struc_mbr_deleted":       PermStructs,
	"set_struc_mbr_name":      PermStructs,
	"struc_mbr_chg_data":      PermStructs,
	"struc_mbr_chg_struc":     PermStructs,
	"struc_mbr_chg_str":       PermStructs,
	"struc_mbr_chg_offset":    PermStructs,
	"struc_mbr_chg_enum":      PermStructs,

	"validate_flirt_func": PermFlirt,

	"thunk_created": PermThunk,

	"add_cref": PermXref,
	"add_dref": PermXref,
	"del_cref": PermXref,
	"del_dref": PermXref,
}

// MaskFor returns the permission bit governing command.
// The second result is false for commands outside the table.
func MaskFor(command string) (Permission, bool) {
	p, ok := commandPermissions[command]
	return p, ok
}

// CheckPermission reports whether mask grants command. Unknown commands are
// always denied.
func CheckPermission(mask uint64, command string) bool {
	p, ok := commandPermissions[command]
	if !ok {
		return false
	}
	return mask&uint64(p) != 0
}

// ClampMask reduces a client-supplied mask to the 31 bits the server honors.
func ClampMask(mask uint64) uint64 {
	return mask & FullPermissions
}

// EffectiveMasks computes the enforced publish and subscribe masks.
// The project owner always receives full permissions regardless of the
// project, account, or requested masks.
func EffectiveMasks(isOwner bool, project, account, requested MaskPair) MaskPair {
	if isOwner {
		return MaskPair{Publish: FullPermissions, Subscribe: FullPermissions}
	}
	return MaskPair{
		Publish:   project.Publish & account.Publish & requested.Publish,
		Subscribe: project.Subscribe & account.Subscribe & requested.Subscribe,
	}
}

// MaskPair is a publish/subscribe mask pair.
type MaskPair struct {
	Publish   uint64
	Subscribe uint64
}
