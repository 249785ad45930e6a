// Package channelsconf parses and writes the classic channels.conf line
// format used to seed a multiplex/service set without a live scan
// (original_source/include/parsezap.h's "parse channels.conf file and add
// services to the database"). It never reaches into the cache or store
// internals directly — it only calls their public operations, exactly as
// spec.md frames surrounding collaborators like the channel-import tool.
package channelsconf

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
)

// Channel is one parsed channels.conf line: enough to seed a Multiplex and
// a single Service on it.
type Channel struct {
	Name              string
	DeliverySystem    string
	Frequency         uint32
	Params            map[string]string
	TransportStreamID uint16
	OriginalNetworkID uint16
	ServiceID         uint16
	SourceID          uint16
	PMTPID            uint16
}

// Line format: name:delivery_system:frequency:k=v,k=v:tsid:onid:service_id:pmt_pid
// Params may be empty (two adjacent colons). Comments (#) and blank lines
// are skipped.
const fieldCount = 8

// Parse reads channels.conf-format lines from r.
func Parse(r io.Reader) ([]Channel, error) {
	var channels []Channel
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ch, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("channelsconf: line %d: %w", lineNo, err)
		}
		channels = append(channels, ch)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("channelsconf: reading input: %w", err)
	}
	return channels, nil
}

func parseLine(line string) (Channel, error) {
	fields := strings.Split(line, ":")
	if len(fields) != fieldCount {
		return Channel{}, fmt.Errorf("expected %d fields, got %d", fieldCount, len(fields))
	}

	freq, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Channel{}, fmt.Errorf("invalid frequency %q: %w", fields[2], err)
	}
	tsid, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return Channel{}, fmt.Errorf("invalid transport_stream_id %q: %w", fields[4], err)
	}
	onid, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return Channel{}, fmt.Errorf("invalid original_network_id %q: %w", fields[5], err)
	}
	sid, err := strconv.ParseUint(fields[6], 10, 16)
	if err != nil {
		return Channel{}, fmt.Errorf("invalid service_id %q: %w", fields[6], err)
	}
	pmtPID, err := strconv.ParseUint(fields[7], 10, 16)
	if err != nil {
		return Channel{}, fmt.Errorf("invalid pmt_pid %q: %w", fields[7], err)
	}

	return Channel{
		Name:              fields[0],
		DeliverySystem:    fields[1],
		Frequency:         uint32(freq),
		Params:            parseParams(fields[3]),
		TransportStreamID: uint16(tsid),
		OriginalNetworkID: uint16(onid),
		ServiceID:         uint16(sid),
		PMTPID:            uint16(pmtPID),
	}, nil
}

func parseParams(field string) map[string]string {
	if field == "" {
		return nil
	}
	params := make(map[string]string)
	for _, kv := range strings.Split(field, ",") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			params[parts[0]] = parts[1]
		}
	}
	return params
}

// Write serialises channels back to channels.conf format, one line each.
func Write(w io.Writer, channels []Channel) error {
	bw := bufio.NewWriter(w)
	for _, ch := range channels {
		line := fmt.Sprintf("%s:%s:%d:%s:%d:%d:%d:%d\n",
			ch.Name, ch.DeliverySystem, ch.Frequency, formatParams(ch.Params),
			ch.TransportStreamID, ch.OriginalNetworkID, ch.ServiceID, ch.PMTPID)
		if _, err := bw.WriteString(line); err != nil {
			return fmt.Errorf("channelsconf: writing line for %q: %w", ch.Name, err)
		}
	}
	return bw.Flush()
}

func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sortStrings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	return strings.Join(pairs, ",")
}

// sortStrings is a tiny insertion sort: params lists are short (a handful
// of tuning keys) and this avoids pulling in "sort" for one call site.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// multiplexUID builds a stable, deterministic UID for a multiplex derived
// purely from its tuning identity, so re-importing the same channels.conf
// twice updates the same Multiplex row instead of duplicating it.
func multiplexUID(deliverySystem string, frequency uint32, tsid uint16) string {
	return fmt.Sprintf("%s:%d:%d", deliverySystem, frequency, tsid)
}

// Import seeds or updates c's bound multiplex and services from channels,
// grouping by (delivery_system, frequency, transport_stream_id). Channels
// from more than one multiplex may be passed; Import loads and writes back
// each multiplex in turn, leaving c bound to the last one processed.
func Import(c *cache.Cache, channels []Channel) error {
	groups := make(map[string][]Channel)
	var order []string
	for _, ch := range channels {
		key := multiplexUID(ch.DeliverySystem, ch.Frequency, ch.TransportStreamID)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ch)
	}

	for _, key := range order {
		group := groups[key]
		first := group[0]
		uid := multiplexUID(first.DeliverySystem, first.Frequency, first.TransportStreamID)

		if err := c.Load(&cache.Multiplex{
			UID:               uid,
			DeliverySystem:    first.DeliverySystem,
			Frequency:         first.Frequency,
			TuningParams:      first.Params,
			TransportStreamID: first.TransportStreamID,
			OriginalNetworkID: first.OriginalNetworkID,
			PATVersion:        -1,
		}); err != nil {
			return fmt.Errorf("channelsconf: loading multiplex %s: %w", uid, err)
		}
		c.UpdateMultiplex(-1, first.TransportStreamID, first.OriginalNetworkID)

		for _, ch := range group {
			svc, ok := c.FindByID(ch.ServiceID)
			if !ok {
				var err error
				svc, err = c.Add(ch.ServiceID, ch.SourceID)
				if err != nil {
					return fmt.Errorf("channelsconf: adding service %d on %s: %w", ch.ServiceID, uid, err)
				}
			}
			c.UpdateServiceName(svc, ch.Name)
			c.UpdateServicePMTPID(svc, ch.PMTPID)
		}

		if err := c.WriteBack(); err != nil {
			return fmt.Errorf("channelsconf: writing back multiplex %s: %w", uid, err)
		}
	}
	return nil
}

// Export reads every service on c's currently bound multiplex into
// channels.conf rows.
func Export(c *cache.Cache) []Channel {
	mux := c.CurrentMultiplex()
	if mux == nil {
		return nil
	}
	services := c.Services()
	channels := make([]Channel, 0, len(services))
	for _, svc := range services {
		channels = append(channels, Channel{
			Name:              svc.Name,
			DeliverySystem:    mux.DeliverySystem,
			Frequency:         mux.Frequency,
			Params:            mux.TuningParams,
			TransportStreamID: mux.TransportStreamID,
			OriginalNetworkID: mux.OriginalNetworkID,
			ServiceID:         svc.ServiceID,
			SourceID:          svc.SourceID,
			PMTPID:            svc.PMTPID,
		})
	}
	return channels
}
