// Package geodat reads v2ray geosite.dat and geoip.dat category files and
// turns them into target lists for the SOCKS5 front end.
package geodat

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/urlesistiana/v2dat/v2data"
	"google.golang.org/protobuf/proto"
)

var errStop = errors.New("stop")

func readCountryCode(msg []byte) (string, error) {
	if len(msg) == 0 || msg[0] != 0x0A {
		return "", fmt.Errorf("bad key")
	}
	l, n := binary.Uvarint(msg[1:])
	if n <= 0 {
		return "", fmt.Errorf("bad varint")
	}
	start := 1 + n
	end := start + int(l)
	if end > len(msg) {
		return "", fmt.Errorf("string truncated")
	}
	return strings.ToLower(string(msg[start:end])), nil
}

// scan walks the top-level entries of a dat file without decoding them.
// Both geosite and geoip lists are a repeated field 1 whose messages start
// with the country code, so the tag can be read before unmarshalling.
func scan(file string, fn func(tag string, msg []byte) error) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 32*1024)
	for {
		tagByte, err := r.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if tagByte != 0x0A {
			return fmt.Errorf("unexpected wire tag %02X", tagByte)
		}
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return err
		}
		msg := make([]byte, length)
		if _, err := io.ReadFull(r, msg); err != nil {
			return err
		}
		tag, err := readCountryCode(msg)
		if err != nil {
			return err
		}
		if err := fn(tag, msg); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
}

// streamWanted decodes only the entries named in filters and stops once
// all of them were seen.
func streamWanted[T any, P interface {
	*T
	proto.Message
}](file string, filters []string, save func(string, P) error) error {
	want := map[string]struct{}{}
	for _, s := range filters {
		want[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	got := map[string]struct{}{}
	return scan(file, func(tag string, msg []byte) error {
		if _, ok := want[tag]; !ok {
			return nil
		}
		entry := P(new(T))
		if err := proto.Unmarshal(msg, entry); err != nil {
			return fmt.Errorf("%s: %w", tag, err)
		}
		if err := save(tag, entry); err != nil {
			return err
		}
		got[tag] = struct{}{}
		if len(got) == len(want) {
			return errStop
		}
		return nil
	})
}

func streamGeoSite(file string, filters []string, save func(string, *v2data.GeoSite) error) error {
	return streamWanted(file, filters, save)
}

func streamGeoIP(file string, filters []string, save func(string, *v2data.GeoIP) error) error {
	return streamWanted(file, filters, save)
}

// ListTags returns the sorted category names in a dat file.
func ListTags(file string) ([]string, error) {
	set := map[string]struct{}{}
	if err := scan(file, func(tag string, _ []byte) error {
		set[tag] = struct{}{}
		return nil
	}); err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags, nil
}
