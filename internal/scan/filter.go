package scan

import "fmt"

// BlocklistKey renders the CID/PID pair the way the vendor app keys its
// model blocklist entries.
func BlocklistKey(cid, pid byte) string {
	return fmt.Sprintf("000%d0%d", cid, pid)
}

// Blocklisted reports whether the identity's CID/PID pair appears in a
// user-supplied blocklist of literal keys.
func Blocklisted(id Identity, blocklist []string) bool {
	key := BlocklistKey(id.CID, id.PID)
	for _, entry := range blocklist {
		if entry == key {
			return true
		}
	}
	return false
}
