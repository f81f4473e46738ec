package collection

func init() {
	Register("amp-tcpping", newTCPPing)
}

// newTCPPing returns the TCP latency collection. On top of the ICMP
// schema streams carry the probed port; matrix cells prefer the ports
// most targets answer on.
func newTCPPing(deps Deps) (Collection, error) {
	return newBase(schema{
		name:              "amp-tcpping",
		style:             "amp-latency",
		streamProperties:  []string{"source", "destination", "port", "packet_size", "family"},
		groupProperties:   []string{"source", "destination", "port", "packet_size", "aggregation"},
		integerProperties: []string{"port"},
		preferences: map[string][]string{
			"port":        {"443", "53", "80"},
			"packet_size": {"64", "60"},
		},
	}, deps), nil
}
