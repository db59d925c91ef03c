package output

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"

	"dnsrecon/internal/aggregate"
)

// WriteXML writes hosts, findings and snoop entries as a flat XML tree.
func WriteXML(path string, rep *aggregate.Report) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("xml: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("xml: %w", cerr)
		}
	}()

	if err := encodeXML(file, rep); err != nil {
		return fmt.Errorf("xml: %w", err)
	}
	return nil
}

type xmlWriter struct {
	enc *xml.Encoder
	err error
}

func (x *xmlWriter) start(name string, attrs ...string) {
	el := xml.StartElement{Name: xml.Name{Local: name}}
	for i := 0; i+1 < len(attrs); i += 2 {
		el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: attrs[i]}, Value: attrs[i+1]})
	}
	x.token(el)
}

func (x *xmlWriter) end(name string) {
	x.token(xml.EndElement{Name: xml.Name{Local: name}})
}

// leaf writes an element with no children.
func (x *xmlWriter) leaf(name string, attrs ...string) {
	x.start(name, attrs...)
	x.end(name)
}

func (x *xmlWriter) token(t xml.Token) {
	if x.err != nil {
		return
	}
	x.err = x.enc.EncodeToken(t)
}

func encodeXML(w io.Writer, rep *aggregate.Report) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "\t")
	x := &xmlWriter{enc: enc}

	x.start("dnsrecon",
		"domain", rep.Domain,
		"mode", rep.Mode,
		"status", string(rep.Status()),
		"wildcard", rep.Wildcard.Status,
	)
	for _, h := range rep.Hosts {
		x.start("host", "name", h.Name)
		for _, r := range h.Records {
			x.leaf("record",
				"type", r.Type,
				"ttl", strconv.FormatUint(uint64(r.TTL), 10),
				"data", r.Data,
			)
		}
		x.end("host")
	}
	for _, f := range rep.Findings {
		x.start("finding",
			"severity", string(f.Severity),
			"kind", f.Kind,
			"server", f.Server,
		)
		x.token(xml.CharData(f.Detail))
		x.end("finding")
	}
	for _, s := range rep.Snoop {
		x.leaf("snoop",
			"name", s.Name,
			"server", s.Server,
			"status", s.Status,
			"ttl", strconv.FormatUint(uint64(s.TTL), 10),
		)
	}
	for _, block := range rep.NetRanges {
		x.leaf("netrange", "block", block)
	}
	x.end("dnsrecon")

	if x.err != nil {
		return x.err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
