// Package monitoring serves the state of a co-simulation over HTTP and
// accepts system commands.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/sarchlab/simbus/monitoring/web"
	"github.com/sarchlab/simbus/orchestration"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"
)

//go:generate mockgen -destination "mock_monitoring_test.go" -package $GOPACKAGE -write_package_comment=false github.com/sarchlab/simbus/monitoring StateSource,Commander

// A StateSource reports what is known about the participants.
// *orchestration.SystemMonitor is a StateSource.
type StateSource interface {
	Snapshot() orchestration.Snapshot
	ParticipantStatus(name string) (orchestration.ParticipantStatus, bool)
}

// A Commander issues system commands.
// *orchestration.SystemController is a Commander.
type Commander interface {
	Run()
	Stop()
	Shutdown()
	Initialize(name string)
	Reinitialize(name string)
}

var (
	_ StateSource = (*orchestration.SystemMonitor)(nil)
	_ Commander   = (*orchestration.SystemController)(nil)
)

const maxProfileSeconds = 30

// Monitor turns a system monitor into a web server.
type Monitor struct {
	source     StateSource
	commander  Commander
	portNumber int
	log        *logrus.Entry

	componentsLock sync.Mutex
	components     map[string]any

	profiling sync.Mutex

	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a Monitor. A nil commander makes every command
// endpoint answer 501.
func NewMonitor(source StateSource, commander Commander) *Monitor {
	return &Monitor{
		source:     source,
		commander:  commander,
		log:        logrus.NewEntry(logrus.StandardLogger()).WithField("component", "monitoring"),
		components: make(map[string]any),
	}
}

// WithPortNumber sets the port number of the monitor. Ports below 1000 are
// replaced by a random one.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.log.Warnf("port number %d is not allowed, using a random port instead", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(log *logrus.Entry) *Monitor {
	m.log = log.WithField("component", "monitoring")
	return m
}

// RegisterComponent exposes c under name at /api/component/{name}.
func (m *Monitor) RegisterComponent(name string, c any) {
	m.componentsLock.Lock()
	defer m.componentsLock.Unlock()

	m.components[name] = c
}

// Handler returns the router serving the API and the web pages.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/system_state", m.systemState).Methods(http.MethodGet)
	api.HandleFunc("/participants", m.listParticipants).Methods(http.MethodGet)
	api.HandleFunc("/participant/{name}", m.participantDetails).Methods(http.MethodGet)
	api.HandleFunc("/run", m.command("run", func(c Commander, _ string) { c.Run() })).
		Methods(http.MethodPost)
	api.HandleFunc("/stop", m.command("stop", func(c Commander, _ string) { c.Stop() })).
		Methods(http.MethodPost)
	api.HandleFunc("/shutdown", m.command("shutdown", func(c Commander, _ string) { c.Shutdown() })).
		Methods(http.MethodPost)
	api.HandleFunc("/initialize/{name}", m.command("initialize", Commander.Initialize)).
		Methods(http.MethodPost)
	api.HandleFunc("/reinitialize/{name}", m.command("reinitialize", Commander.Reinitialize)).
		Methods(http.MethodPost)
	api.HandleFunc("/list_components", m.listComponents).Methods(http.MethodGet)
	api.HandleFunc("/component/{name}", m.componentDetails).Methods(http.MethodGet)
	api.HandleFunc("/resource", m.listResources).Methods(http.MethodGet)
	api.HandleFunc("/profile", m.collectProfile).Methods(http.MethodGet)

	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer listens on the configured port and serves in the background.
// It returns the URL of the web page.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", fmt.Errorf("monitoring: %w", err)
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	url := fmt.Sprintf("http://localhost:%d", listener.Addr().(*net.TCPAddr).Port)
	m.log.Infof("monitoring simulation with %s", url)

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("monitoring server stopped")
		}
	}()

	return url, nil
}

// StopServer shuts the server down.
func (m *Monitor) StopServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

// OpenInBrowser opens url in the default browser.
func OpenInBrowser(url string) error {
	browser.Stdout = os.Stderr
	return browser.OpenURL(url)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.log.WithError(err).Warn("writing response")
	}
}

func (m *Monitor) writeError(w http.ResponseWriter, status int, msg string) {
	m.writeJSON(w, status, map[string]string{"error": msg})
}

type systemStateRsp struct {
	SystemState string   `json:"system_state"`
	Expected    []string `json:"expected"`
	Stale       []string `json:"stale"`
}

func (m *Monitor) systemState(w http.ResponseWriter, _ *http.Request) {
	snap := m.source.Snapshot()

	m.writeJSON(w, http.StatusOK, systemStateRsp{
		SystemState: snap.SystemState.String(),
		Expected:    nonNil(snap.Expected),
		Stale:       nonNil(snap.Stale),
	})
}

type participantRsp struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	EnterReason string    `json:"enter_reason"`
	EnterTime   time.Time `json:"enter_time"`
	RefreshTime time.Time `json:"refresh_time"`
	Stale       bool      `json:"stale"`
}

func toParticipantRsp(st orchestration.ParticipantStatus, stale bool) participantRsp {
	return participantRsp{
		Name:        st.Participant,
		State:       st.State.String(),
		EnterReason: st.EnterReason,
		EnterTime:   st.EnterTime,
		RefreshTime: st.RefreshTime,
		Stale:       stale,
	}
}

func (m *Monitor) listParticipants(w http.ResponseWriter, _ *http.Request) {
	snap := m.source.Snapshot()

	stale := make(map[string]bool, len(snap.Stale))
	for _, name := range snap.Stale {
		stale[name] = true
	}

	rsp := make([]participantRsp, 0, len(snap.Participants))
	for _, st := range snap.Participants {
		rsp = append(rsp, toParticipantRsp(st, stale[st.Participant]))
	}

	m.writeJSON(w, http.StatusOK, rsp)
}

func (m *Monitor) participantDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	st, ok := m.source.ParticipantStatus(name)
	if !ok {
		m.writeError(w, http.StatusNotFound, "participant not found")
		return
	}

	stale := false
	for _, s := range m.source.Snapshot().Stale {
		if s == name {
			stale = true
		}
	}

	m.writeJSON(w, http.StatusOK, toParticipantRsp(st, stale))
}

func (m *Monitor) command(
	name string,
	issue func(c Commander, participant string),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.commander == nil {
			m.writeError(w, http.StatusNotImplemented, "monitor is read-only")
			return
		}

		participant := mux.Vars(r)["name"]
		issue(m.commander, participant)

		rsp := map[string]string{"command": name}
		if participant != "" {
			rsp["participant"] = participant
		}

		m.writeJSON(w, http.StatusAccepted, rsp)
	}
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	m.componentsLock.Lock()
	names := make([]string, 0, len(m.components))

	for name := range m.components {
		names = append(names, name)
	}
	m.componentsLock.Unlock()

	sort.Strings(names)

	m.writeJSON(w, http.StatusOK, names)
}

func (m *Monitor) componentDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	m.componentsLock.Lock()
	component, ok := m.components[name]
	m.componentsLock.Unlock()

	if !ok {
		m.writeError(w, http.StatusNotFound, "component not found")
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	if field := r.URL.Query().Get("field"); field != "" {
		if err := serializer.SetEntryPoint(strings.Split(field, ".")); err != nil {
			m.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	buf := bytes.NewBuffer(nil)
	if err := serializer.Serialize(buf); err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	memory, err := proc.MemoryInfo()
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	m.writeJSON(w, http.StatusOK, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memory.RSS,
	})
}

type profileEntry struct {
	Function string `json:"function"`
	Flat     int64  `json:"flat"`
}

type profileRsp struct {
	DurationNanos int64          `json:"duration_nanos"`
	SampleType    string         `json:"sample_type"`
	Total         int64          `json:"total"`
	Top           []profileEntry `json:"top"`
}

func parseProfileSeconds(r *http.Request) (time.Duration, error) {
	s := r.URL.Query().Get("seconds")
	if s == "" {
		return time.Second, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > maxProfileSeconds {
		return 0, fmt.Errorf("seconds must be between 1 and %d", maxProfileSeconds)
	}

	return time.Duration(n) * time.Second, nil
}

func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration, err := parseProfileSeconds(r)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !m.profiling.TryLock() {
		m.writeError(w, http.StatusConflict, "a profile is already being collected")
		return
	}
	defer m.profiling.Unlock()

	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		m.writeError(w, http.StatusConflict, err.Error())
		return
	}

	select {
	case <-time.After(duration):
	case <-r.Context().Done():
	}

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	m.writeJSON(w, http.StatusOK, summarizeProfile(prof, 20))
}

// summarizeProfile sums the last sample value by leaf function.
func summarizeProfile(prof *profile.Profile, top int) profileRsp {
	rsp := profileRsp{DurationNanos: prof.DurationNanos, Top: []profileEntry{}}
	if len(prof.SampleType) == 0 {
		return rsp
	}

	valueIdx := len(prof.SampleType) - 1
	st := prof.SampleType[valueIdx]
	rsp.SampleType = st.Type + "/" + st.Unit

	flat := make(map[string]int64)

	for _, s := range prof.Sample {
		if len(s.Value) <= valueIdx {
			continue
		}

		v := s.Value[valueIdx]
		rsp.Total += v

		name := "unknown"
		if len(s.Location) > 0 && len(s.Location[0].Line) > 0 &&
			s.Location[0].Line[0].Function != nil {
			name = s.Location[0].Line[0].Function.Name
		}

		flat[name] += v
	}

	for name, v := range flat {
		rsp.Top = append(rsp.Top, profileEntry{Function: name, Flat: v})
	}

	sort.Slice(rsp.Top, func(i, j int) bool {
		if rsp.Top[i].Flat != rsp.Top[j].Flat {
			return rsp.Top[i].Flat > rsp.Top[j].Flat
		}

		return rsp.Top[i].Function < rsp.Top[j].Function
	})

	if len(rsp.Top) > top {
		rsp.Top = rsp.Top[:top]
	}

	return rsp
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
