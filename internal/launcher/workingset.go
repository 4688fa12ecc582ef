package launcher

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// WorkingSetFile is the recent-projects list COLT reads on startup.
const WorkingSetFile = "workingset.xml"

type workingSet struct {
	XMLName  xml.Name        `xml:"workingset"`
	Attrs    []xml.Attr      `xml:",any,attr"`
	Projects []recentProject `xml:"project"`
	Other    []rawElement    `xml:",any"`
}

type recentProject struct {
	Path  string     `xml:"path,attr"`
	Attrs []xml.Attr `xml:",any,attr"`
	Inner string     `xml:",innerxml"`
}

type rawElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

// PrependRecent puts project at the top of home's workingset.xml so COLT
// opens it when it starts. A missing file is created. Duplicate entries are
// left alone; COLT treats the list as a hint.
func PrependRecent(home, project string) error {
	path := filepath.Join(home, WorkingSetFile)

	var ws workingSet
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := xml.Unmarshal(data, &ws); err != nil {
			return fmt.Errorf("parse %s: %w", WorkingSetFile, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(home, 0o755); err != nil {
			return fmt.Errorf("create colt home: %w", err)
		}
	default:
		return fmt.Errorf("read %s: %w", WorkingSetFile, err)
	}

	ws.Projects = append([]recentProject{{Path: project}}, ws.Projects...)

	out, err := xml.MarshalIndent(&ws, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", WorkingSetFile, err)
	}
	out = append([]byte(xml.Header), out...)
	out = append(out, '\n')

	if err := renameio.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", WorkingSetFile, err)
	}
	return nil
}

// recentProjects returns the project paths listed in home's workingset.xml,
// most recent first.
func recentProjects(home string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(home, WorkingSetFile))
	if err != nil {
		return nil, err
	}
	var ws workingSet
	if err := xml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("parse %s: %w", WorkingSetFile, err)
	}
	paths := make([]string, len(ws.Projects))
	for i, p := range ws.Projects {
		paths[i] = p.Path
	}
	return paths, nil
}
