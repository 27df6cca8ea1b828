package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	// TODO: use html/template
	"text/template"

	"github.com/go-logr/logr"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allewwaly/insight-vmi-sub004/memmap"
	"github.com/allewwaly/insight-vmi-sub004/symbols"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// server serves one memory map. The map may still be building; every page
// shows what has been found so far.
type server struct {
	factory *symbols.Factory
	m       *memmap.Map
	log     logr.Logger
	reg     *prometheus.Registry

	building atomic.Bool
	buildErr atomic.Pointer[buildError]
}

type buildError struct{ err error }

func newServer(factory *symbols.Factory, m *memmap.Map, log logr.Logger) (*server, error) {
	s := &server{factory: factory, m: m, log: log, reg: prometheus.NewRegistry()}
	if err := m.Statistics().Register(s.reg); err != nil {
		return nil, err
	}
	return s, nil
}

// build builds the map and records the outcome for the main page.
func (s *server) build(ctx context.Context, opts memmap.BuildOptions) {
	s.building.Store(true)
	defer s.building.Store(false)
	s.buildErr.Store(nil)
	st, err := s.m.Build(ctx, opts)
	if err != nil {
		s.buildErr.Store(&buildError{err})
		s.log.Error(err, "building memory map")
		return
	}
	s.log.Info("memory map built", "stats", st.String())
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.mainHandler)
	mux.HandleFunc("/node", s.nodeHandler)
	mux.HandleFunc("/api/stats", s.apiStatsHandler)
	mux.HandleFunc("/api/nodes", s.apiNodesHandler)
	mux.HandleFunc("/api/var", s.apiVarHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return mux
}

// lookupParam looks up an integer value in r.URL's query.
func lookupParam(q url.Values, param string, base int) (uint64, error) {
	v := q[param]
	if len(v) != 1 {
		return 0, fmt.Errorf("parameter %s not found", param)
	}
	x, err := strconv.ParseUint(v[0], base, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse parameter %s (%s): %v", param, v[0], err)
	}
	return x, nil
}

// linkNode creates a link to the /node page for n.
func linkNode(n *memmap.Node) string {
	return fmt.Sprintf("<a href=node?addr=%x&type=%d>0x%x</a>", n.Address(), n.Type().ID(), n.Address())
}

type nodeInfo struct {
	Name        string
	Addr        string
	Type        string
	Size        uint64
	Probability string
	Parent      string
	Encountered int
	IsCandidate bool
}

func makeNodeInfo(n *memmap.Node) nodeInfo {
	info := nodeInfo{
		Name:        n.FullName(),
		Addr:        linkNode(n),
		Type:        n.Type().String(),
		Size:        n.Size(),
		Probability: fmt.Sprintf("%.4f", n.Probability()),
		Encountered: n.Encountered(),
		IsCandidate: n.HasCandidates(),
	}
	if p := n.Parent(); p != nil {
		info.Parent = linkNode(p)
	}
	return info
}

type mainInfo struct {
	Building bool
	Error    string
	Stats    memmap.Snapshot
	Roots    []nodeInfo
}

var mainTemplate = template.Must(template.New("main").Parse(`
<html>
	<head>
		<style>
		table {
			border-collapse: collapse;
		}
		table, td, th {
			border: 1px solid grey;
		}
		</style>
		<title>Memory Map Viewer</title>
	</head>
	<body>
	<code>
		<h2>Memory Map Viewer</h2>
		{{if .Building}}Building, reload for progress.<br>{{end}}
		{{if .Error}}Build failed: {{.Error}}<br>{{end}}
		<br>
		{{.Stats}}
		<h3>Global variables</h3>
		<table>
			<tr><td>Name</td><td>Address</td><td>Type</td><td>Probability</td></tr>
			{{range .Roots}}
			<tr><td>{{.Name}}</td><td>{{.Addr}}</td><td>{{.Type}}</td><td>{{.Probability}}</td></tr>
			{{end}}
		</table>
	</code>
	</body>
</html>
`))

func (s *server) mainHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "URL not found", http.StatusNotFound)
		return
	}
	info := mainInfo{Building: s.building.Load(), Stats: s.m.Stats()}
	if be := s.buildErr.Load(); be != nil {
		info.Error = be.err.Error()
	}
	for _, n := range s.m.Roots() {
		info.Roots = append(info.Roots, makeNodeInfo(n))
	}
	if err := mainTemplate.Execute(w, info); err != nil {
		s.log.Error(err, "rendering main page")
	}
}

type memberInfo struct {
	Name  string
	Type  string
	Value string
}

type nodePage struct {
	nodeInfo
	Members    []memberInfo
	Children   []nodeInfo
	Candidates []nodeInfo
	PointedBy  []nodeInfo
}

var nodeTemplate = template.Must(template.New("node").Parse(`
<html>
	<head>
		<style>
		table {
			border-collapse: collapse;
		}
		table, td, th {
			border: 1px solid grey;
		}
		</style>
		<title>{{.Name}} : {{.Type}}</title>
	</head>
	<body>
	<code>
		<h2>{{.Name}} : {{.Type}}</h2>
		Node at {{.Addr}} is {{.Size}} bytes, probability {{.Probability}}, encountered {{.Encountered}} times.<br>
		{{if .Parent}}Found through {{.Parent}}.<br>{{end}}
		{{if .IsCandidate}}Node is one of several candidate types.<br>{{end}}

		<h3>Members</h3>
		<table>
			<tr><td>Member</td><td>Type</td><td>Value</td></tr>
			{{range .Members}}
			<tr><td>{{.Name}}</td><td>{{.Type}}</td><td>{{.Value}}</td></tr>
			{{end}}
		</table>

		<h3>Children</h3>
		{{template "nodes" .Children}}
		{{if .Candidates}}
		<h3>Candidates</h3>
		{{template "nodes" .Candidates}}
		{{end}}
		<h3>Pointed to by</h3>
		{{template "nodes" .PointedBy}}
	</code>
	</body>
</html>
{{define "nodes"}}
		<table>
			<tr><td>Name</td><td>Address</td><td>Type</td><td>Probability</td></tr>
			{{range .}}
			<tr><td>{{.Name}}</td><td>{{.Addr}}</td><td>{{.Type}}</td><td>{{.Probability}}</td></tr>
			{{end}}
		</table>
{{end}}
`))

// findNode returns the node at addr whose type has the given ID.
func (s *server) findNode(addr uint64, typeID int) *memmap.Node {
	for _, n := range s.m.FindNodes(addr) {
		if n.Type().ID() == typeID {
			return n
		}
	}
	return nil
}

func (s *server) nodeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	addr, err := lookupParam(q, "addr", 16)
	if err != nil {
		http.Error(w, "could not parse addr param", http.StatusBadRequest)
		return
	}
	tid, err := lookupParam(q, "type", 10)
	if err != nil {
		http.Error(w, "could not parse type param", http.StatusBadRequest)
		return
	}
	n := s.findNode(addr, int(tid))
	if n == nil {
		http.Error(w, fmt.Sprintf("no node of type %d at 0x%x", tid, addr), http.StatusNotFound)
		return
	}

	page := nodePage{nodeInfo: makeNodeInfo(n)}
	inst := n.ToInstance()
	if st, ok := symbols.AsStructured(inst.Type); ok {
		for k := range st.Members {
			mi := inst.Member(k, symbols.ResolveNone, true)
			info := memberInfo{Name: st.Members[k].Name, Type: "?", Value: mi.ToString()}
			if mi.IsValid() {
				info.Type = mi.Type.String()
			}
			page.Members = append(page.Members, info)
		}
	} else {
		page.Members = append(page.Members, memberInfo{Type: inst.Type.String(), Value: inst.ToString()})
	}
	for _, c := range n.Children() {
		page.Children = append(page.Children, makeNodeInfo(c))
	}
	for _, c := range n.Candidates() {
		page.Candidates = append(page.Candidates, makeNodeInfo(c))
	}
	for _, p := range s.m.PointersTo(addr) {
		page.PointedBy = append(page.PointedBy, makeNodeInfo(p))
	}
	if err := nodeTemplate.Execute(w, page); err != nil {
		s.log.Error(err, "rendering node page")
	}
}

// writeJSON encodes v as the response.
func (s *server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error(err, "encoding response")
	}
}

// apiNode is the JSON form of a node.
type apiNode struct {
	Name        string  `json:"name"`
	Addr        uint64  `json:"addr"`
	Size        uint64  `json:"size"`
	Type        string  `json:"type"`
	TypeID      int     `json:"type_id"`
	Probability float64 `json:"probability"`
	Parent      uint64  `json:"parent,omitempty"`
	Children    int     `json:"children"`
	Candidate   bool    `json:"candidate,omitempty"`
}

func makeAPINode(n *memmap.Node) apiNode {
	a := apiNode{
		Name:        n.FullName(),
		Addr:        n.Address(),
		Size:        n.Size(),
		Type:        n.Type().String(),
		TypeID:      n.Type().ID(),
		Probability: n.Probability(),
		Children:    len(n.Children()),
		Candidate:   n.HasCandidates(),
	}
	if p := n.Parent(); p != nil {
		a.Parent = p.Address()
	}
	return a
}

func (s *server) apiStatsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, struct {
		Building bool `json:"building"`
		memmap.Snapshot
	}{s.building.Load(), s.m.Stats()})
}

// apiNodesHandler lists the nodes containing addr.
func (s *server) apiNodesHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := lookupParam(r.URL.Query(), "addr", 16)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	nodes := []apiNode{}
	for _, n := range s.m.NodesContaining(addr) {
		nodes = append(nodes, makeAPINode(n))
	}
	s.writeJSON(w, nodes)
}

// apiVarHandler describes a global variable and the nodes at its address.
func (s *server) apiVarHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	v, ok := s.factory.FindVarByName(name)
	if !ok {
		http.Error(w, fmt.Sprintf("no variable %q", name), http.StatusNotFound)
		return
	}
	res := struct {
		Name  string    `json:"name"`
		Addr  uint64    `json:"addr"`
		Type  string    `json:"type"`
		Value string    `json:"value"`
		Nodes []apiNode `json:"nodes"`
	}{Name: v.Name(), Addr: v.Addr(), Nodes: []apiNode{}}
	if t := v.Type(); t != nil {
		res.Type = t.String()
		res.Value = v.ToInstance(s.m.Memory(), symbols.ResolveLexical).ToString()
	}
	for _, n := range s.m.FindNodes(v.Addr()) {
		res.Nodes = append(res.Nodes, makeAPINode(n))
	}
	s.writeJSON(w, res)
}
