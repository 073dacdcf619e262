package munnel

import (
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// GroupSentinel is the token a service string uses in place of a group
// name to mean "match agents that registered with no group" (spec.md §6).
const GroupSentinel = "-"

// ParseServiceSpec parses one quoted service argument from `munnel server`:
// four whitespace-separated tokens "<NAME> <GROUP> <LISTEN_IP:PORT>
// <DEST_HOST:PORT>". GROUP is mandatory in the string; GroupSentinel
// selects the no-group bucket. Any malformed string is a
// trace.BadParameter configuration error, caught before any listener
// binds (spec.md §6, §7: exit code 1).
func ParseServiceSpec(spec string) (ServiceDescriptor, error) {
	fields := strings.Fields(spec)
	if len(fields) != 4 {
		return ServiceDescriptor{}, trace.BadParameter(
			"service spec %q: expected 4 fields \"NAME GROUP LISTEN DEST\", got %d", spec, len(fields))
	}
	name, group, listenAddr, destAddr := fields[0], fields[1], fields[2], fields[3]

	if group == GroupSentinel {
		group = noGroup
	}

	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return ServiceDescriptor{}, trace.BadParameter("service %q: bad listen address %q: %s", name, listenAddr, err)
	}

	destHost, destPortStr, err := net.SplitHostPort(destAddr)
	if err != nil {
		return ServiceDescriptor{}, trace.BadParameter("service %q: bad dest address %q: %s", name, destAddr, err)
	}
	destPort, err := strconv.ParseUint(destPortStr, 10, 16)
	if err != nil {
		return ServiceDescriptor{}, trace.BadParameter("service %q: bad dest port %q: %s", name, destPortStr, err)
	}

	return ServiceDescriptor{
		Name:       name,
		Group:      group,
		ListenAddr: listenAddr,
		DestHost:   destHost,
		DestPort:   uint16(destPort),
	}, nil
}

// ParseServiceSpecs parses every service argument for `munnel server`. An
// empty list is itself a configuration error (spec.md §6: "no services").
func ParseServiceSpecs(specs []string) ([]ServiceDescriptor, error) {
	if len(specs) == 0 {
		return nil, trace.BadParameter("at least one service must be configured")
	}
	descs := make([]ServiceDescriptor, 0, len(specs))
	for _, spec := range specs {
		d, err := ParseServiceSpec(spec)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}
