package invoker

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// Web API response annotations for FetchXML paging.
const (
	annotationPagingCookie = "@Microsoft.Dynamics.CRM.fetchxmlpagingcookie"
	annotationMoreRecords  = "@Microsoft.Dynamics.CRM.morerecords"
	annotationTotalCount   = "@Microsoft.Dynamics.CRM.totalrecordcount"
)

// IsFetchXML reports whether query is a FetchXML document rather than
// OData query options.
func IsFetchXML(query string) bool {
	return strings.HasPrefix(strings.TrimSpace(query), "<")
}

// ApplyPaging sets the page, count and paging-cookie attributes of the root
// <fetch> element. An empty cookie removes the attribute. Only the root
// start tag is rewritten; the rest of the document is kept byte for byte.
func ApplyPaging(fetchXML string, page, count int, cookie string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(fetchXML))
	for {
		start := dec.InputOffset()
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("fetchxml: no root element")
		}
		if err != nil {
			return "", fmt.Errorf("fetchxml: %w", err)
		}
		el, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if el.Name.Local != "fetch" {
			return "", fmt.Errorf("fetchxml: root element is <%s>, want <fetch>", el.Name.Local)
		}
		end := dec.InputOffset()
		selfClosing := strings.HasSuffix(strings.TrimSpace(fetchXML[start:end]), "/>")

		attrs := make([]xml.Attr, 0, len(el.Attr)+3)
		for _, a := range el.Attr {
			switch a.Name.Local {
			case "page", "count", "paging-cookie":
			default:
				attrs = append(attrs, a)
			}
		}
		attrs = append(attrs,
			xml.Attr{Name: xml.Name{Local: "page"}, Value: strconv.Itoa(page)},
			xml.Attr{Name: xml.Name{Local: "count"}, Value: strconv.Itoa(count)},
		)
		if cookie != "" {
			attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "paging-cookie"}, Value: cookie})
		}
		return fetchXML[:start] + startTag(el.Name, attrs, selfClosing) + fetchXML[end:], nil
	}
}

func startTag(name xml.Name, attrs []xml.Attr, selfClosing bool) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(qualified(name))
	for _, a := range attrs {
		b.WriteByte(' ')
		b.WriteString(qualified(a.Name))
		b.WriteString(`="`)
		_ = xml.EscapeText(&b, []byte(a.Value))
		b.WriteByte('"')
	}
	if selfClosing {
		b.WriteString("/>")
	} else {
		b.WriteByte('>')
	}
	return b.String()
}

// qualified renders a name with its prefix. The decoder reports the prefix
// in Space for undeclared namespaces, which is how FetchXML uses them.
func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// PagingCookie extracts the cookie for the next request from the
// fetchxmlpagingcookie annotation. The annotation is a <cookie> element
// whose pagingcookie attribute is URL-encoded twice.
func PagingCookie(annotation string) (string, error) {
	if annotation == "" {
		return "", nil
	}
	var el struct {
		PagingCookie string `xml:"pagingcookie,attr"`
	}
	if err := xml.Unmarshal([]byte(annotation), &el); err != nil {
		return "", fmt.Errorf("fetchxml: paging cookie annotation: %w", err)
	}
	cookie := el.PagingCookie
	for range 2 {
		decoded, err := url.QueryUnescape(cookie)
		if err != nil {
			return "", fmt.Errorf("fetchxml: decoding paging cookie: %w", err)
		}
		cookie = decoded
	}
	return cookie, nil
}
