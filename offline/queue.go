package offline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bcmapp/groupdispatch/wire"
)

// queueRow is one parsed `group_msg_list` member (spec.md §4.6 step 2:
// "Parse each member 'gid_mid_pushType'").
type queueRow struct {
	GID      string
	Mid      uint64
	PushType wire.PushType
	Member   string // the original raw zset member, for removal
}

// parseQueueMember decodes "gid_mid_pushType", reporting ok=false for any
// malformed member (spec.md §4.6 step 2: "Drop malformed ... rows").
func parseQueueMember(raw string) (queueRow, bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 {
		return queueRow{}, false
	}
	mid, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return queueRow{}, false
	}
	pt := wire.PushType(parts[2])
	if pt != wire.PushBroadcast && pt != wire.PushMulticast {
		return queueRow{}, false
	}
	return queueRow{GID: parts[0], Mid: mid, PushType: pt, Member: raw}, true
}

// multicastField builds the `group_multi_msg_list` hash field name for
// one (gid, mid) MULTICAST row (spec.md §6: `"gid_mid_MULTICAST"`).
func multicastField(gid string, mid uint64) string {
	return fmt.Sprintf("%s_%d_MULTICAST", gid, mid)
}
