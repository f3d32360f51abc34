package cluster

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// CompressSlotIDs turns a flat, unordered list of slot ids into the
// fewest SlotRanges that cover them, e.g. 1,2,3,5,7,8 -> [1-3] [5-5]
// [7-8], turning a broker's flat slot list into the SlotRange shape the
// router and marshal/unmarshal code operate on.
func CompressSlotIDs(ids []int) []*SlotRange {
	if len(ids) == 0 {
		return nil
	}
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	var ranges []*SlotRange
	start := sorted[0]
	prev := sorted[0]
	for _, id := range sorted[1:] {
		if id == prev+1 {
			prev = id
			continue
		}
		ranges = append(ranges, &SlotRange{Start: start, End: prev, Tag: TagNone})
		start = id
		prev = id
	}
	ranges = append(ranges, &SlotRange{Start: start, End: prev, Tag: TagNone})
	return ranges
}

// ExpandSlotIDs is CompressSlotIDs' inverse, listing every slot id a set
// of ranges covers.
func ExpandSlotIDs(ranges []*SlotRange) []int {
	var ids []int
	for _, r := range ranges {
		for s := r.Start; s <= r.End; s++ {
			ids = append(ids, s)
		}
	}
	return ids
}

// rangePayload is the JSON shape of one SlotRange inside the broker's
// topology blob. UMCTL SETDB arguments use EncodeRangeToken instead.
type rangePayload struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Tag   string `json:"tag"`

	Epoch           int64  `json:"epoch,omitempty"`
	SrcProxyAddress string `json:"src_proxy,omitempty"`
	SrcNodeAddress  string `json:"src_node,omitempty"`
	DstProxyAddress string `json:"dst_proxy,omitempty"`
	DstNodeAddress  string `json:"dst_node,omitempty"`
}

func toRangePayload(r *SlotRange) rangePayload {
	p := rangePayload{Start: r.Start, End: r.End, Tag: r.Tag.String()}
	if r.Meta != nil {
		p.Epoch = r.Meta.Epoch
		p.SrcProxyAddress = r.Meta.SrcProxyAddress
		p.SrcNodeAddress = r.Meta.SrcNodeAddress
		p.DstProxyAddress = r.Meta.DstProxyAddress
		p.DstNodeAddress = r.Meta.DstNodeAddress
	}
	return p
}

func fromRangePayload(p rangePayload) *SlotRange {
	r := &SlotRange{Start: p.Start, End: p.End}
	switch p.Tag {
	case "MIGRATING":
		r.Tag = TagMigrating
	case "IMPORTING":
		r.Tag = TagImporting
	default:
		r.Tag = TagNone
	}
	if r.Tag != TagNone {
		r.Meta = &MigrationMeta{
			Epoch:           p.Epoch,
			SrcProxyAddress: p.SrcProxyAddress,
			SrcNodeAddress:  p.SrcNodeAddress,
			DstProxyAddress: p.DstProxyAddress,
			DstNodeAddress:  p.DstNodeAddress,
		}
	}
	return r
}

type nodePayload struct {
	ID     string         `json:"id"`
	Addr   string         `json:"addr"`
	Ranges []rangePayload `json:"ranges"`
}

type topologyPayload struct {
	Epoch int64         `json:"epoch"`
	Nodes []nodePayload `json:"nodes"`
}

// MarshalTopologyJSON encodes a Topology in the JSON shape the broker
// serves to the poller, using jsoniter rather than encoding/json for
// parity with the broker poller.
func MarshalTopologyJSON(topo *Topology) ([]byte, error) {
	payload := topologyPayload{Epoch: topo.Epoch}
	for _, node := range topo.Nodes {
		np := nodePayload{ID: node.ID, Addr: node.Addr}
		for _, r := range node.Ranges {
			np.Ranges = append(np.Ranges, toRangePayload(r))
		}
		payload.Nodes = append(payload.Nodes, np)
	}
	return jsonAPI.Marshal(payload)
}

// UnmarshalTopologyJSON is MarshalTopologyJSON's inverse.
func UnmarshalTopologyJSON(data []byte) (*Topology, error) {
	var payload topologyPayload
	if err := jsonAPI.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal topology: %w", err)
	}
	topo := &Topology{Epoch: payload.Epoch, Nodes: make(map[string]*Node, len(payload.Nodes))}
	for _, np := range payload.Nodes {
		node := &Node{ID: np.ID, Addr: np.Addr}
		for _, rp := range np.Ranges {
			node.Ranges = append(node.Ranges, fromRangePayload(rp))
		}
		topo.Nodes[node.ID] = node
	}
	return topo, nil
}

// EncodeRangeToken renders one SlotRange as a single wire token for
// `UMCTL SETDB <epoch> <ranges...>`, e.g. "1000-2000:NONE" or
// "1000-2000:MIGRATING:7:src:srcnode:dst:dstnode".
func EncodeRangeToken(r *SlotRange) string {
	base := strconv.Itoa(r.Start) + "-" + strconv.Itoa(r.End) + ":" + r.Tag.String()
	if r.Meta == nil {
		return base
	}
	m := r.Meta
	return strings.Join([]string{
		base,
		strconv.FormatInt(m.Epoch, 10),
		m.SrcProxyAddress, m.SrcNodeAddress, m.DstProxyAddress, m.DstNodeAddress,
	}, ":")
}

// DecodeRangeToken is EncodeRangeToken's inverse. The four addresses
// must either all be colon-free or all be host:port.
func DecodeRangeToken(token string) (*SlotRange, error) {
	parts := strings.Split(token, ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed slot range token %q", token)
	}
	bounds := strings.SplitN(parts[0], "-", 2)
	if len(bounds) != 2 {
		return nil, fmt.Errorf("malformed slot range bounds %q", parts[0])
	}
	start, err := strconv.Atoi(bounds[0])
	if err != nil {
		return nil, fmt.Errorf("malformed slot range start %q: %w", bounds[0], err)
	}
	end, err := strconv.Atoi(bounds[1])
	if err != nil {
		return nil, fmt.Errorf("malformed slot range end %q: %w", bounds[1], err)
	}
	r := &SlotRange{Start: start, End: end}
	switch parts[1] {
	case "MIGRATING":
		r.Tag = TagMigrating
	case "IMPORTING":
		r.Tag = TagImporting
	default:
		r.Tag = TagNone
		return r, nil
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("malformed migration meta in token %q", token)
	}
	addrs := parts[3:]
	switch len(addrs) {
	case 4:
	case 8:
		// host:port addresses: the split above cut each one in two.
		addrs = []string{addrs[0] + ":" + addrs[1], addrs[2] + ":" + addrs[3], addrs[4] + ":" + addrs[5], addrs[6] + ":" + addrs[7]}
	default:
		return nil, fmt.Errorf("malformed migration meta in token %q", token)
	}
	epoch, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed epoch in token %q: %w", token, err)
	}
	r.Meta = &MigrationMeta{
		Epoch:           epoch,
		SrcProxyAddress: addrs[0],
		SrcNodeAddress:  addrs[1],
		DstProxyAddress: addrs[2],
		DstNodeAddress:  addrs[3],
	}
	return r, nil
}
