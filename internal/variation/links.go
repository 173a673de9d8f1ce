package variation

import (
	"hash/fnv"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reURL = regexp.MustCompile(`https?://[^\s<>"']+`)

const trailingURLPunct = ".,!?;:)]"

// TagURLs appends r (reference code) and t (epoch second) to every link that
// does not already carry a ref or r parameter.
func TagURLs(s string, recipientID int64, now time.Time) string {
	if !strings.Contains(s, "http") {
		return s
	}
	epoch := now.Unix()
	code := refCode(recipientID, epoch)
	ts := strconv.FormatInt(epoch, 10)

	return reURL.ReplaceAllStringFunc(s, func(raw string) string {
		link := strings.TrimRight(raw, trailingURLPunct)
		tail := raw[len(link):]
		return tagURL(link, code, ts) + tail
	})
}

func tagURL(link, code, ts string) string {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return link
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return link
	}
	if q.Has("ref") || q.Has("r") {
		return link
	}

	base, frag := link, ""
	if i := strings.IndexByte(link, '#'); i >= 0 {
		base, frag = link[:i], link[i:]
	}
	sep := "&"
	switch {
	case !strings.Contains(base, "?"):
		sep = "?"
	case strings.HasSuffix(base, "?"), strings.HasSuffix(base, "&"):
		sep = ""
	}
	return base + sep + "r=" + code + "&t=" + ts + frag
}

func refCode(recipientID int64, epoch int64) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(recipientID, 10) + ":" + strconv.FormatInt(epoch, 10)))
	code := strconv.FormatUint(h.Sum64(), 36)
	if len(code) > 8 {
		code = code[:8]
	}
	return code
}
