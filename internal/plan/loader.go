package plan

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CSVHeader is the column layout written for new CSV plans.
var CSVHeader = []string{"project", "dataset", "table", "verify_query", "is_new", "is_view", "is_procedure"}

// Load reads a plan from a .csv or .yaml/.yml file. Rows without a project
// inherit defaultProject.
func Load(path, defaultProject string) (Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return Plan{}, err
	}
	defer f.Close()

	var p Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		p, err = ReadYAML(f, defaultProject)
	default:
		p, err = ReadCSV(f, defaultProject)
	}
	if err != nil {
		return Plan{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ReadCSV parses the plan CSV. The header must name dataset, table and
// is_new; project, verify_query, is_view, is_procedure and kind are optional.
func ReadCSV(r io.Reader, defaultProject string) (Plan, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Plan{}, errors.New("empty plan")
		}
		return Plan{}, err
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"dataset", "table", "is_new"} {
		if _, ok := cols[required]; !ok {
			return Plan{}, fmt.Errorf("missing column %q", required)
		}
	}
	get := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var p Plan
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Plan{}, err
		}
		d, err := csvDescriptor(func(name string) string { return get(rec, name) }, defaultProject)
		if err != nil {
			return Plan{}, fmt.Errorf("line %d: %w", line, err)
		}
		p.Resources = append(p.Resources, d)
	}
	return p, p.Validate()
}

func csvDescriptor(get func(string) string, defaultProject string) (Descriptor, error) {
	isNew, err := parseFlag(get("is_new"))
	if err != nil {
		return Descriptor{}, fmt.Errorf("is_new: %w", err)
	}
	isView, err := parseFlag(get("is_view"))
	if err != nil {
		return Descriptor{}, fmt.Errorf("is_view: %w", err)
	}
	isProc, err := parseFlag(get("is_procedure"))
	if err != nil {
		return Descriptor{}, fmt.Errorf("is_procedure: %w", err)
	}
	if isView && isProc {
		return Descriptor{}, errors.New("is_view and is_procedure are both set")
	}
	kind, err := ParseKind(get("kind"))
	if err != nil {
		return Descriptor{}, err
	}
	switch {
	case isView:
		kind = KindView
	case isProc:
		kind = KindProcedure
	}
	project := get("project")
	if project == "" {
		project = defaultProject
	}
	return Descriptor{
		Location:    Location{Project: project, Dataset: get("dataset"), Name: get("table")},
		Kind:        kind,
		IsNew:       isNew,
		VerifyQuery: get("verify_query"),
	}, nil
}

func parseFlag(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(strings.ToLower(s))
}

type yamlPlan struct {
	Project   string         `yaml:"project"`
	Resources []yamlResource `yaml:"resources"`
}

type yamlResource struct {
	Project string `yaml:"project"`
	Dataset string `yaml:"dataset"`
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	New     bool   `yaml:"new"`
	Verify  string `yaml:"verify"`
}

// ReadYAML parses a plan of the form:
//
//	project: my-project
//	resources:
//	  - {dataset: sales, name: orders, kind: table, new: false}
func ReadYAML(r io.Reader, defaultProject string) (Plan, error) {
	var doc yamlPlan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Plan{}, errors.New("empty plan")
		}
		return Plan{}, err
	}
	if doc.Project == "" {
		doc.Project = defaultProject
	}
	var p Plan
	for i, res := range doc.Resources {
		kind, err := ParseKind(res.Kind)
		if err != nil {
			return Plan{}, fmt.Errorf("resource %d: %w", i+1, err)
		}
		project := res.Project
		if project == "" {
			project = doc.Project
		}
		p.Resources = append(p.Resources, Descriptor{
			Location:    Location{Project: project, Dataset: res.Dataset, Name: res.Name},
			Kind:        kind,
			IsNew:       res.New,
			VerifyQuery: strings.TrimSpace(res.Verify),
		})
	}
	return p, p.Validate()
}

// AppendCSV adds d to the CSV plan at path, creating the file with
// CSVHeader when it does not exist. Existing column order is respected.
func AppendCSV(path string, d Descriptor) error {
	header := CSVHeader
	existing, err := os.ReadFile(path)
	switch {
	case err == nil && len(strings.TrimSpace(string(existing))) > 0:
		h, err := csv.NewReader(strings.NewReader(string(existing))).Read()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		header = h
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if len(strings.TrimSpace(string(existing))) == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return err
		}
	} else if !strings.HasSuffix(string(existing), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Write(csvRecord(header, d)); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func csvRecord(header []string, d Descriptor) []string {
	rec := make([]string, len(header))
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "project":
			rec[i] = d.Location.Project
		case "dataset":
			rec[i] = d.Location.Dataset
		case "table":
			rec[i] = d.Location.Name
		case "verify_query":
			rec[i] = d.VerifyQuery
		case "is_new":
			rec[i] = strconv.FormatBool(d.IsNew)
		case "is_view":
			rec[i] = strconv.FormatBool(d.Kind == KindView)
		case "is_procedure":
			rec[i] = strconv.FormatBool(d.Kind == KindProcedure)
		case "kind":
			rec[i] = strings.ToLower(d.Kind.String())
		}
	}
	return rec
}
