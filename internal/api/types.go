package api

import (
	"encoding/json"
	"fmt"

	"github.com/szaher/vastctl/internal/poll"
)

// User is the account returned by /users/current/.
type User struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Email    string  `json:"email"`
	APIKey   string  `json:"api_key"`
	SSHKey   string  `json:"ssh_key"`
	Credit   float64 `json:"credit"`
	Balance  float64 `json:"balance"`

	// Extra holds response keys without a typed field.
	Extra map[string]json.RawMessage `json:"-"`
}

// Instance is a rented machine.
type Instance struct {
	ID                int64   `json:"id"`
	ActualStatus      string  `json:"actual_status"`
	IntendedStatus    string  `json:"intended_status"`
	CurState          string  `json:"cur_state"`
	StatusMsg         string  `json:"status_msg"`
	Label             string  `json:"label"`
	ImageUUID         string  `json:"image_uuid"`
	GPUName           string  `json:"gpu_name"`
	NumGPUs           int     `json:"num_gpus"`
	GPURAM            float64 `json:"gpu_ram"`
	GPUUtil           float64 `json:"gpu_util"`
	CPUName           string  `json:"cpu_name"`
	CPUCores          int     `json:"cpu_cores"`
	CPUCoresEffective float64 `json:"cpu_cores_effective"`
	CPURAM            float64 `json:"cpu_ram"`
	DiskSpace         float64 `json:"disk_space"`
	DPHTotal          float64 `json:"dph_total"`
	MinBid            float64 `json:"min_bid"`
	SSHHost           string  `json:"ssh_host"`
	SSHPort           int     `json:"ssh_port"`
	InetUp            float64 `json:"inet_up"`
	InetDown          float64 `json:"inet_down"`
	Reliability       float64 `json:"reliability2"`
	TotalFlops        float64 `json:"total_flops"`
	DLPerf            float64 `json:"dlperf"`
	MachineID         int64   `json:"machine_id"`
	HostID            int64   `json:"host_id"`
	StartDate         float64 `json:"start_date"`
	Duration          float64 `json:"duration"`
	PublicIPAddr      string  `json:"public_ipaddr"`
	CUDAMaxGood       float64 `json:"cuda_max_good"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Status is the instance's actual status.
func (in Instance) Status() string {
	return in.ActualStatus
}

// Snapshot captures the fields the poller needs.
func (in Instance) Snapshot() poll.Snapshot {
	return poll.Snapshot{ID: in.ID, Status: in.ActualStatus, Message: in.StatusMsg}
}

// Offer is a rentable machine configuration returned by a search.
type Offer struct {
	ID                int64   `json:"id"`
	AskContractID     int64   `json:"ask_contract_id"`
	MachineID         int64   `json:"machine_id"`
	GPUName           string  `json:"gpu_name"`
	NumGPUs           int     `json:"num_gpus"`
	GPURAM            float64 `json:"gpu_ram"`
	CPUName           string  `json:"cpu_name"`
	CPUCores          int     `json:"cpu_cores"`
	CPUCoresEffective float64 `json:"cpu_cores_effective"`
	CPURAM            float64 `json:"cpu_ram"`
	DiskSpace         float64 `json:"disk_space"`
	DPHTotal          float64 `json:"dph_total"`
	MinBid            float64 `json:"min_bid"`
	InetUp            float64 `json:"inet_up"`
	InetDown          float64 `json:"inet_down"`
	Reliability       float64 `json:"reliability2"`
	TotalFlops        float64 `json:"total_flops"`
	DLPerf            float64 `json:"dlperf"`
	DLPerfPerDPH      float64 `json:"dlperf_per_dphtotal"`
	FlopsPerDPH       float64 `json:"flops_per_dphtotal"`
	CUDAMaxGood       float64 `json:"cuda_max_good"`
	Verified          bool    `json:"verified"`
	Rentable          bool    `json:"rentable"`
	External          bool    `json:"external"`
	Geolocation       string  `json:"geolocation"`

	Extra map[string]json.RawMessage `json:"-"`
}

// CreateResult is the response to an instance creation.
type CreateResult struct {
	Success     bool  `json:"success"`
	NewContract int64 `json:"new_contract"`
}

type (
	userFields     User
	instanceFields Instance
	offerFields    Offer
)

var (
	userKeys     = knownKeys(userFields{})
	instanceKeys = knownKeys(instanceFields{})
	offerKeys    = knownKeys(offerFields{})
)

func (u *User) UnmarshalJSON(data []byte) error {
	var f userFields
	extra, err := decodeWithExtra(data, &f, userKeys)
	if err != nil {
		return fmt.Errorf("decode user: %w", err)
	}
	*u = User(f)
	u.Extra = extra
	return nil
}

func (u User) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(userFields(u), u.Extra)
}

func (in *Instance) UnmarshalJSON(data []byte) error {
	var f instanceFields
	extra, err := decodeWithExtra(data, &f, instanceKeys)
	if err != nil {
		return fmt.Errorf("decode instance: %w", err)
	}
	*in = Instance(f)
	in.Extra = extra
	return nil
}

func (in Instance) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(instanceFields(in), in.Extra)
}

func (o *Offer) UnmarshalJSON(data []byte) error {
	var f offerFields
	extra, err := decodeWithExtra(data, &f, offerKeys)
	if err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	*o = Offer(f)
	o.Extra = extra
	return nil
}

func (o Offer) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(offerFields(o), o.Extra)
}

// decodeWithExtra fills typed from data and returns every key not in known.
func decodeWithExtra(data []byte, typed any, known map[string]struct{}) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, typed); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, v := range all {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}

// encodeWithExtra marshals typed and merges extra into the object. Typed
// fields win on key collisions.
func encodeWithExtra(typed any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// knownKeys lists the object keys zero encodes to. The record types carry
// no omitempty tags, so this is every typed key.
func knownKeys(zero any) map[string]struct{} {
	data, err := json.Marshal(zero)
	if err != nil {
		panic(fmt.Sprintf("api: encode %T: %v", zero, err))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		panic(fmt.Sprintf("api: decode %T: %v", zero, err))
	}
	keys := make(map[string]struct{}, len(fields))
	for k := range fields {
		keys[k] = struct{}{}
	}
	return keys
}
