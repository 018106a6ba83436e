package policy

const (
	// DefaultAPIVersion 为 Agent 识别的策略版本。
	DefaultAPIVersion = "policy.yamong.com/v1"
	// MaxRawTPLen 为 raw_tp 字段的最大长度。
	MaxRawTPLen = 10
)

type TracepointPolicy struct {
	Tracepoints []string `json:"tracepoints" yaml:"tracepoints"`
}

type LSMFilePolicy struct {
	Path  string   `json:"path" yaml:"path"`
	Flags []string `json:"flags" yaml:"flags"`
	UID   []int    `json:"uid" yaml:"uid"`
}

type LSMNetworkPolicy struct {
	IP       string   `json:"ip" yaml:"ip"`
	Port     int      `json:"port" yaml:"port"`
	Protocol int      `json:"protocol" yaml:"protocol"`
	Flags    []string `json:"flags" yaml:"flags"`
	UID      []int    `json:"uid" yaml:"uid"`
}

type LSMProcessPolicy struct {
	Comm  string   `json:"comm" yaml:"comm"`
	Flags []string `json:"flags" yaml:"flags"`
	UID   []int    `json:"uid" yaml:"uid"`
}

type LSMPolicies struct {
	File    []LSMFilePolicy    `json:"file" yaml:"file"`
	Network []LSMNetworkPolicy `json:"network" yaml:"network"`
	Process []LSMProcessPolicy `json:"process" yaml:"process"`
}

// ContainerPolicy 为针对单个容器的规则集合。
type ContainerPolicy struct {
	ContainerName    string           `json:"container_name" yaml:"container_name"`
	RawTP            string           `json:"raw_tp" yaml:"raw_tp"`
	TracepointPolicy TracepointPolicy `json:"tracepoint_policy" yaml:"tracepoint_policy"`
	LSMPolicies      LSMPolicies      `json:"lsm_policies" yaml:"lsm_policies"`
}

// ServerPolicy 为一份面向整台主机的策略包，包含多个容器的规则。
type ServerPolicy struct {
	APIVersion string            `json:"api_version" yaml:"api_version"`
	Name       string            `json:"name" yaml:"name"`
	Containers []ContainerPolicy `json:"containers" yaml:"containers"`
}

// NamedPolicy 为容器视角下的一条已存储策略。
type NamedPolicy struct {
	ID         uint64          `json:"id"`
	APIVersion string          `json:"api_version"`
	Name       string          `json:"name"`
	Policy     ContainerPolicy `json:"policy"`
}

// rules 为写入 Policy.Rules 列的 JSON 结构。
type rules struct {
	TracepointPolicy TracepointPolicy `json:"tracepoint_policy"`
	LSMPolicies      LSMPolicies      `json:"lsm_policies"`
}
