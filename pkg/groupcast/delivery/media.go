package delivery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jholhewres/groupcast/pkg/groupcast/agent"
)

// mediaNames maps Monday..Saturday to the asset base name. Sunday has none.
var mediaNames = map[time.Weekday]string{
	time.Monday:    "diaum",
	time.Tuesday:   "diadois",
	time.Wednesday: "diatres",
	time.Thursday:  "diaquatro",
	time.Friday:    "diacinco",
	time.Saturday:  "diaseis",
}

var mediaExts = []struct {
	ext  string
	mime string
}{
	{"jpg", "image/jpeg"},
	{"png", "image/png"},
}

// MediaPath returns the asset of tenant for weekday under dir, or "" when
// none exists.
func MediaPath(dir, tenant string, weekday time.Weekday) string {
	base, ok := mediaNames[weekday]
	if !ok {
		return ""
	}
	for _, e := range mediaExts {
		p := filepath.Join(dir, tenant, base+"."+e.ext)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// LoadMedia reads the asset of tenant for weekday. The boolean is false when
// the tenant has no asset for that day.
func LoadMedia(dir, tenant string, weekday time.Weekday) (agent.Media, bool, error) {
	p := MediaPath(dir, tenant, weekday)
	if p == "" {
		return agent.Media{}, false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return agent.Media{}, false, nil
		}
		return agent.Media{}, false, fmt.Errorf("reading media %s: %w", p, err)
	}
	mime := "image/jpeg"
	for _, e := range mediaExts {
		if filepath.Ext(p) == "."+e.ext {
			mime = e.mime
		}
	}
	return agent.Media{Data: data, MimeType: mime, FileName: filepath.Base(p)}, true, nil
}
