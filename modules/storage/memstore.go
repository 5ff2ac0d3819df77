package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/verrors"
)

// MemoryStore keeps all state in process behind a single mutex. It exists for
// tests and local runs; its semantics mirror the postgres implementation,
// including the unique-open-incident conflict behavior.
type MemoryStore struct {
	mtx sync.Mutex

	apiKeys      map[string]*model.APIKey // by key string
	machines     map[uuid.UUID]*model.Machine
	definitions  map[uuid.UUID]*model.MetricDefinition
	instances    map[uuid.UUID]*model.MetricInstance
	samples      map[uuid.UUID][]*model.Sample // by instance id, append order
	thresholds   map[uuid.UUID]*model.Threshold // by instance id
	targets      map[uuid.UUID]*model.HTTPTarget
	incidents    map[uuid.UUID]*model.Incident
	alerts       map[uuid.UUID]*model.Alert
	ingestEvents map[string]struct{} // client_id + "/" + ingest_id
	logs         []*model.NotificationLog
	settings     map[uuid.UUID]*model.ClientSettings

	subjectLocks sync.Map // subject key -> *sync.Mutex
	nextSampleID int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		apiKeys:      map[string]*model.APIKey{},
		machines:     map[uuid.UUID]*model.Machine{},
		definitions:  map[uuid.UUID]*model.MetricDefinition{},
		instances:    map[uuid.UUID]*model.MetricInstance{},
		samples:      map[uuid.UUID][]*model.Sample{},
		thresholds:   map[uuid.UUID]*model.Threshold{},
		targets:      map[uuid.UUID]*model.HTTPTarget{},
		incidents:    map[uuid.UUID]*model.Incident{},
		alerts:       map[uuid.UUID]*model.Alert{},
		ingestEvents: map[string]struct{}{},
		settings:     map[uuid.UUID]*model.ClientSettings{},
	}
}

// SeedAPIKey registers an API key. Test helper, not part of Store.
func (s *MemoryStore) SeedAPIKey(k model.APIKey) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp := k
	s.apiKeys[k.Key] = &cp
}

func (s *MemoryStore) AuthenticateAPIKey(_ context.Context, key string) (*model.APIKey, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	k, ok := s.apiKeys[key]
	if !ok {
		return nil, verrors.Errorf(verrors.Auth, "unknown api key")
	}
	if !k.IsActive {
		return nil, verrors.Errorf(verrors.Auth, "api key is disabled")
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) TouchAPIKey(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, k := range s.apiKeys {
		if k.ID == id {
			t := at
			k.LastUsedAt = &t
			return nil
		}
	}
	return verrors.Errorf(verrors.NotFound, "api key %s not found", id)
}

func (s *MemoryStore) UpsertMachine(_ context.Context, clientID uuid.UUID, fingerprint, hostname, osName string, seenAt time.Time) (*model.Machine, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, m := range s.machines {
		if m.ClientID == clientID && m.Fingerprint == fingerprint {
			m.Hostname = hostname
			m.OS = osName
			if m.LastSeen == nil || seenAt.After(*m.LastSeen) {
				t := seenAt
				m.LastSeen = &t
			}
			cp := *m
			return &cp, nil
		}
	}
	t := seenAt
	m := &model.Machine{
		ID: uuid.New(), ClientID: clientID, Fingerprint: fingerprint,
		Hostname: hostname, OS: osName, IsActive: true,
		RegisteredAt: seenAt, LastSeen: &t,
	}
	s.machines[m.ID] = m
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMachines(_ context.Context, clientID uuid.UUID) ([]*model.Machine, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []*model.Machine
	for _, m := range s.machines {
		if m.ClientID == clientID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (s *MemoryStore) ListActiveMachines(_ context.Context) ([]*model.Machine, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []*model.Machine
	for _, m := range s.machines {
		if m.IsActive {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (s *MemoryStore) InsertIngestEvent(_ context.Context, ev model.IngestEvent) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	key := ev.ClientID.String() + "/" + ev.IngestID
	if _, dup := s.ingestEvents[key]; dup {
		return false, nil
	}
	s.ingestEvents[key] = struct{}{}
	return true, nil
}

func (s *MemoryStore) ApplyIngestBatch(ctx context.Context, clientID, machineID uuid.UUID, sentAt, receivedAt time.Time, metrics []BatchMetric) ([]uuid.UUID, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	instanceIDs := make([]uuid.UUID, 0, len(metrics))
	for _, m := range metrics {
		def := s.definitionByName(clientID, m.Name)
		if def == nil {
			def = &model.MetricDefinition{ID: uuid.New(), ClientID: clientID, Name: m.Name, ValueType: m.Type, Unit: m.Unit}
			s.definitions[def.ID] = def
		}
		if def.ValueType != m.Type {
			return nil, verrors.Errorf(verrors.Validation, "metric %q is %s, got %s", m.Name, def.ValueType, m.Type)
		}
		if m.Value.Kind != def.ValueType {
			return nil, verrors.Errorf(verrors.Validation, "metric %q carries a %s value, expected %s", m.Name, m.Value.Kind, def.ValueType)
		}

		inst := s.instanceByKey(machineID, def.ID)
		if inst == nil {
			inst = &model.MetricInstance{ID: uuid.New(), MachineID: machineID, DefinitionID: def.ID, AlertEnabled: true, State: model.StateUnknown}
			s.instances[inst.ID] = inst
		}
		instanceIDs = append(instanceIDs, inst.ID)

		s.appendSampleLocked(inst, m.Value, receivedAt, sentAt)
	}
	return instanceIDs, nil
}

func (s *MemoryStore) definitionByName(clientID uuid.UUID, name string) *model.MetricDefinition {
	for _, d := range s.definitions {
		if d.ClientID == clientID && d.Name == name {
			return d
		}
	}
	return nil
}

func (s *MemoryStore) instanceByKey(machineID, definitionID uuid.UUID) *model.MetricInstance {
	for _, i := range s.instances {
		if i.MachineID == machineID && i.DefinitionID == definitionID {
			return i
		}
	}
	return nil
}

func (s *MemoryStore) appendSampleLocked(inst *model.MetricInstance, v model.Value, ts, sentAt time.Time) {
	s.nextSampleID++
	s.samples[inst.ID] = append(s.samples[inst.ID], &model.Sample{
		ID: s.nextSampleID, MetricInstanceID: inst.ID, Ts: ts, SentAt: sentAt, Value: v,
	})
	val := v
	inst.LastValue = &val
	t := ts
	inst.LastValueAt = &t
}

func (s *MemoryStore) GetMetricDefinition(_ context.Context, clientID uuid.UUID, name string) (*model.MetricDefinition, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if d := s.definitionByName(clientID, name); d != nil {
		cp := *d
		return &cp, nil
	}
	return nil, verrors.Errorf(verrors.NotFound, "metric definition %q not found", name)
}

func (s *MemoryStore) EnsureDefinition(_ context.Context, clientID uuid.UUID, name string, kind model.ValueKind, unit string, suggested bool) (*model.MetricDefinition, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if d := s.definitionByName(clientID, name); d != nil {
		cp := *d
		return &cp, nil
	}
	d := &model.MetricDefinition{ID: uuid.New(), ClientID: clientID, Name: name, ValueType: kind, Unit: unit, Suggested: suggested}
	s.definitions[d.ID] = d
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) EnsureInstance(_ context.Context, machineID, definitionID uuid.UUID) (*model.MetricInstance, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if i := s.instanceByKey(machineID, definitionID); i != nil {
		cp := *i
		return &cp, nil
	}
	i := &model.MetricInstance{ID: uuid.New(), MachineID: machineID, DefinitionID: definitionID, AlertEnabled: true, State: model.StateUnknown}
	s.instances[i.ID] = i
	cp := *i
	return &cp, nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id uuid.UUID) (*model.MetricInstance, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	i, ok := s.instances[id]
	if !ok {
		return nil, verrors.Errorf(verrors.NotFound, "metric instance %s not found", id)
	}
	cp := *i
	return &cp, nil
}

func (s *MemoryStore) ListInstances(_ context.Context, clientID uuid.UUID) ([]*model.MetricInstance, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []*model.MetricInstance
	for _, i := range s.instances {
		m, ok := s.machines[i.MachineID]
		if ok && m.ClientID == clientID {
			cp := *i
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
	})
	return out, nil
}

func (s *MemoryStore) SetInstanceAlerting(_ context.Context, id uuid.UUID, enabled bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	i, ok := s.instances[id]
	if !ok {
		return verrors.Errorf(verrors.NotFound, "metric instance %s not found", id)
	}
	i.AlertEnabled = enabled
	return nil
}

func (s *MemoryStore) SetInstancePaused(_ context.Context, id uuid.UUID, paused bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	i, ok := s.instances[id]
	if !ok {
		return verrors.Errorf(verrors.NotFound, "metric instance %s not found", id)
	}
	i.Paused = paused
	return nil
}

func (s *MemoryStore) AppendSample(_ context.Context, instanceID uuid.UUID, v model.Value, ts, sentAt time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return verrors.Errorf(verrors.NotFound, "metric instance %s not found", instanceID)
	}
	s.appendSampleLocked(inst, v, ts, sentAt)
	return nil
}

func (s *MemoryStore) GetThreshold(_ context.Context, instanceID uuid.UUID) (*model.Threshold, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	th, ok := s.thresholds[instanceID]
	if !ok {
		return nil, verrors.Errorf(verrors.NotFound, "threshold for instance %s not found", instanceID)
	}
	cp := *th
	return &cp, nil
}

func (s *MemoryStore) EnsureDefaultThreshold(_ context.Context, th model.Threshold) (*model.Threshold, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if existing, ok := s.thresholds[th.MetricInstanceID]; ok {
		cp := *existing
		return &cp, nil
	}
	if th.ID == uuid.Nil {
		th.ID = uuid.New()
	}
	cp := th
	s.thresholds[th.MetricInstanceID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetEvalContext(_ context.Context, instanceID uuid.UUID) (*EvalContext, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, verrors.Errorf(verrors.NotFound, "metric instance %s not found", instanceID)
	}
	def, ok := s.definitions[inst.DefinitionID]
	if !ok {
		return nil, verrors.Errorf(verrors.NotFound, "metric definition %s not found", inst.DefinitionID)
	}
	machine, ok := s.machines[inst.MachineID]
	if !ok {
		return nil, verrors.Errorf(verrors.NotFound, "machine %s not found", inst.MachineID)
	}

	ec := EvalContext{Instance: *inst, Definition: *def, ClientID: machine.ClientID}
	if samples := s.samples[instanceID]; len(samples) > 0 {
		cp := *samples[len(samples)-1]
		ec.Sample = &cp
	}
	if th, ok := s.thresholds[instanceID]; ok {
		cp := *th
		ec.Threshold = &cp
	}
	return &ec, nil
}

func (s *MemoryStore) SetInstanceEvalState(_ context.Context, instanceID uuid.UUID, st EvalState) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return verrors.Errorf(verrors.NotFound, "metric instance %s not found", instanceID)
	}
	inst.State = st.State
	inst.CriticalSince = st.CriticalSince
	inst.ConsecutiveFailures = st.ConsecutiveFailures
	return nil
}

func (s *MemoryStore) SetTargetEvalState(_ context.Context, targetID uuid.UUID, st EvalState) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return verrors.Errorf(verrors.NotFound, "http target %s not found", targetID)
	}
	t.State = st.State
	t.CriticalSince = st.CriticalSince
	t.ConsecutiveFailures = st.ConsecutiveFailures
	return nil
}

func (s *MemoryStore) WithSubjectLock(ctx context.Context, subject model.Subject, fn func(context.Context) error) error {
	v, _ := s.subjectLocks.LoadOrStore(subject.Key(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

func (s *MemoryStore) CreateHTTPTarget(_ context.Context, t *model.HTTPTarget) (*model.HTTPTarget, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, existing := range s.targets {
		if existing.ClientID == t.ClientID && existing.URL == t.URL {
			cp := *existing
			return &cp, verrors.Errorf(verrors.Conflict, "url already monitored")
		}
	}
	cp := *t
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if len(cp.AcceptedStatusCodes) == 0 {
		cp.AcceptedStatusCodes = []int{200}
	}
	if cp.State == "" {
		cp.State = model.StateUnknown
	}
	s.targets[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) UpdateHTTPTarget(_ context.Context, t *model.HTTPTarget) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	existing, ok := s.targets[t.ID]
	if !ok || existing.ClientID != t.ClientID {
		return verrors.Errorf(verrors.NotFound, "http target %s not found", t.ID)
	}
	existing.Name = t.Name
	existing.URL = t.URL
	existing.Method = t.Method
	existing.AcceptedStatusCodes = t.AcceptedStatusCodes
	if len(existing.AcceptedStatusCodes) == 0 {
		existing.AcceptedStatusCodes = []int{200}
	}
	existing.TimeoutMS = t.TimeoutMS
	existing.CheckIntervalS = t.CheckIntervalS
	existing.IsActive = t.IsActive
	return nil
}

func (s *MemoryStore) DeleteHTTPTarget(_ context.Context, clientID, id uuid.UUID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.targets[id]
	if !ok || t.ClientID != clientID {
		return verrors.Errorf(verrors.NotFound, "http target %s not found", id)
	}
	delete(s.targets, id)
	return nil
}

func (s *MemoryStore) GetHTTPTarget(_ context.Context, id uuid.UUID) (*model.HTTPTarget, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, verrors.Errorf(verrors.NotFound, "http target %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListHTTPTargets(_ context.Context, clientID uuid.UUID) ([]*model.HTTPTarget, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []*model.HTTPTarget
	for _, t := range s.targets {
		if t.ClientID == clientID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DueHTTPTargets(_ context.Context, now time.Time) ([]*model.HTTPTarget, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []*model.HTTPTarget
	for _, t := range s.targets {
		if !t.IsActive {
			continue
		}
		if t.LastCheckAt == nil || !t.LastCheckAt.Add(time.Duration(t.CheckIntervalS)*time.Second).After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
	})
	return out, nil
}

func (s *MemoryStore) RecordProbeResult(_ context.Context, id uuid.UUID, at time.Time, status, latencyMS int) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return verrors.Errorf(verrors.NotFound, "http target %s not found", id)
	}
	ts := at
	t.LastCheckAt = &ts
	st, lat := status, latencyMS
	t.LastStatus = &st
	t.LastLatencyMS = &lat
	return nil
}

func (s *MemoryStore) OpenIncident(_ context.Context, inc model.Incident) (*model.Incident, bool, error) {
	subject, err := incidentSubject(inc)
	if err != nil {
		return nil, false, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	observedAt := inc.OpenedAt
	if inc.LastObservedAt != nil {
		observedAt = *inc.LastObservedAt
	}
	if existing := s.openIncidentLocked(subject); existing != nil {
		if existing.LastObservedAt == nil || observedAt.After(*existing.LastObservedAt) {
			t := observedAt
			existing.LastObservedAt = &t
		}
		cp := *existing
		return &cp, false, nil
	}

	cp := inc
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.OpenedAt.IsZero() {
		cp.OpenedAt = time.Now().UTC()
	}
	cp.Status = model.IncidentOpen
	t := observedAt
	if t.IsZero() {
		t = cp.OpenedAt
	}
	cp.LastObservedAt = &t
	s.incidents[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) openIncidentLocked(subject model.Subject) *model.Incident {
	for _, inc := range s.incidents {
		if inc.Status != model.IncidentOpen || inc.ClientID != subject.ClientID {
			continue
		}
		if subject.Kind == model.SubjectHTTP && inc.HTTPTargetID != nil && *inc.HTTPTargetID == subject.TargetID {
			return inc
		}
		if subject.Kind == model.SubjectMetric && inc.MetricInstanceID != nil && *inc.MetricInstanceID == subject.TargetID {
			return inc
		}
	}
	return nil
}

func (s *MemoryStore) ResolveIncident(_ context.Context, subject model.Subject, at time.Time) (*model.Incident, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	inc := s.openIncidentLocked(subject)
	if inc == nil {
		return nil, verrors.Errorf(verrors.NotFound, "no open incident for %s", subject.Key())
	}
	inc.Status = model.IncidentResolved
	t := at
	inc.ResolvedAt = &t
	cp := *inc
	return &cp, nil
}

func (s *MemoryStore) GetOpenIncident(_ context.Context, subject model.Subject) (*model.Incident, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	inc := s.openIncidentLocked(subject)
	if inc == nil {
		return nil, verrors.Errorf(verrors.NotFound, "no open incident for %s", subject.Key())
	}
	cp := *inc
	return &cp, nil
}

func (s *MemoryStore) GetIncident(_ context.Context, id uuid.UUID) (*model.Incident, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, verrors.Errorf(verrors.NotFound, "incident %s not found", id)
	}
	cp := *inc
	return &cp, nil
}

func (s *MemoryStore) SetIncidentNotified(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return verrors.Errorf(verrors.NotFound, "incident %s not found", id)
	}
	t := at
	inc.LastNotifiedAt = &t
	return nil
}

func (s *MemoryStore) ListIncidents(_ context.Context, clientID uuid.UUID, filter IncidentFilter) ([]*model.Incident, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []*model.Incident
	for _, inc := range s.incidents {
		if inc.ClientID != clientID {
			continue
		}
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		cp := *inc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertFiringAlert(_ context.Context, a model.Alert) (*model.Alert, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, existing := range s.alerts {
		if existing.ThresholdID == a.ThresholdID && existing.MachineID == a.MachineID && existing.Status == model.AlertFiring {
			existing.Severity = a.Severity
			existing.CurrentValue = a.CurrentValue
			existing.Message = a.Message
			cp := *existing
			return &cp, false, nil
		}
	}

	cp := a
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.TriggeredAt.IsZero() {
		cp.TriggeredAt = time.Now().UTC()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.TriggeredAt
	}
	cp.Status = model.AlertFiring
	s.alerts[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) ResolveAlertsForThreshold(_ context.Context, thresholdID uuid.UUID, at time.Time) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.ThresholdID == thresholdID && a.Status == model.AlertFiring {
			a.Status = model.AlertResolved
			t := at
			a.ResolvedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, clientID uuid.UUID, limit int) ([]*model.Alert, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []*model.Alert
	for _, a := range s.alerts {
		if a.ClientID != clientID {
			continue
		}
		cp := *a
		if m, ok := s.machines[a.MachineID]; ok {
			cp.Hostname = m.Hostname
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertNotificationLog(_ context.Context, entry model.NotificationLog) (uuid.UUID, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = model.NotificationPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := entry
	s.logs = append(s.logs, &cp)
	return entry.ID, nil
}

func (s *MemoryStore) FinishNotificationLog(_ context.Context, id uuid.UUID, status model.NotificationStatus, sentAt *time.Time, errMsg string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, l := range s.logs {
		if l.ID == id {
			l.Status = status
			l.SentAt = sentAt
			l.Error = errMsg
			return nil
		}
	}
	return verrors.Errorf(verrors.NotFound, "notification log %s not found", id)
}

func (s *MemoryStore) LastSuccessfulSend(_ context.Context, incidentID uuid.UUID) (*time.Time, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var latest *time.Time
	for _, l := range s.logs {
		if l.IncidentID == nil || *l.IncidentID != incidentID || l.Status != model.NotificationSuccess || l.SentAt == nil {
			continue
		}
		if latest == nil || l.SentAt.After(*latest) {
			t := *l.SentAt
			latest = &t
		}
	}
	return latest, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, clientID uuid.UUID, limit int) ([]*model.NotificationLog, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []*model.NotificationLog
	for _, l := range s.logs {
		if l.ClientID == clientID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetClientSettings(_ context.Context, clientID uuid.UUID) (*model.ClientSettings, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if cs, ok := s.settings[clientID]; ok {
		cp := *cs
		return &cp, nil
	}
	return &model.ClientSettings{ClientID: clientID, AlertGroupingEnabled: true, NotifyOnResolve: true}, nil
}

func (s *MemoryStore) PutClientSettings(_ context.Context, cs *model.ClientSettings) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp := *cs
	s.settings[cs.ClientID] = &cp
	return nil
}
