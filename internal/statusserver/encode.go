package statusserver

import (
	"swarmd/internal/registry"

	"github.com/samber/lo"
	"google.golang.org/protobuf/types/known/structpb"
)

// statusFields aplatit un Status pour structpb. Les nombres passent en
// float64, exacts jusqu'à 2^53 octets.
func statusFields(st registry.Status) map[string]any {
	m := map[string]any{
		"guid":         st.GUID.String(),
		"path":         st.Path,
		"size":         float64(st.Size),
		"size_known":   st.SizeKnown,
		"done":         float64(st.Done),
		"complete":     st.Complete,
		"verification": st.Verification.String(),
		"state":        st.State.String(),
		"flags":        lo.ToAnySlice(st.Flags.Names()),
		"refcount":     st.RefCount,
		"livecount":    st.LiveCount,
		"receiving":    st.Receiving,
		"queued":       st.Queued,
		"generation":   float64(st.Generation),
		"chunks":       st.Chunks,
		"aliases":      lo.ToAnySlice(st.Aliases),
		"dht_lookups":  st.DHTLookups,
		"dht_hits":     st.DHTHits,
	}
	if st.SHA1 != nil {
		m["sha1"] = st.SHA1.String()
	}
	if st.TTH != nil {
		m["tth"] = st.TTH.String()
	}
	if st.CHA1 != nil {
		m["cha1"] = st.CHA1.String()
	}
	if st.Quarantine != "" {
		m["quarantine"] = st.Quarantine
	}
	if !st.Created.IsZero() {
		m["created"] = float64(st.Created.Unix())
	}
	if !st.Stamp.IsZero() {
		m["stamp"] = float64(st.Stamp.Unix())
	}
	return m
}

func statusStruct(st registry.Status) (*structpb.Struct, error) {
	return structpb.NewStruct(statusFields(st))
}
