package collection

func init() {
	Register("amp-icmp", newICMP)
}

// newICMP returns the ICMP latency collection. Streams are addressed
// by source, destination, packet size and address family; matrix cells
// prefer the standard 84 byte probe.
func newICMP(deps Deps) (Collection, error) {
	return newBase(schema{
		name:             "amp-icmp",
		style:            "amp-latency",
		streamProperties: []string{"source", "destination", "packet_size", "family"},
		groupProperties:  []string{"source", "destination", "packet_size", "aggregation"},
		preferences: map[string][]string{
			"packet_size": {"84"},
		},
	}, deps), nil
}
