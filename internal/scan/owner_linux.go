package scan

import (
	"os"
	"syscall"
	"time"

	"hackstone/internal/model"
)

// collectOwner fills ownership and change-time attributes from the
// platform stat structure.
func collectOwner(info os.FileInfo, meta *model.FileMetadata) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}

	uid := int(st.Uid)
	gid := int(st.Gid)
	ctime := time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	meta.UID = &uid
	meta.GID = &gid
	meta.Ctime = &ctime
	meta.User = lookupUser(uid)
}
