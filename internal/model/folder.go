package model

// ActiveSync folder type codes, as returned in FolderSync responses.
const (
	// FolderTypeDefaultCalendar is the account's built-in calendar folder.
	FolderTypeDefaultCalendar = 8
	// FolderTypeUserCalendar is a user-created calendar folder.
	FolderTypeUserCalendar = 13
)

// FolderDescriptor is one folder entry from a FolderSync response.
type FolderDescriptor struct {
	ServerID    string
	ParentID    string
	DisplayName string
	Type        int
}

// IsCalendar reports whether the folder is eligible to become the synced
// calendar folder.
func (f *FolderDescriptor) IsCalendar() bool {
	return f.Type == FolderTypeDefaultCalendar || f.Type == FolderTypeUserCalendar
}
