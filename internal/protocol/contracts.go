package protocol

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Contract 描述某个外部来源的 SLA 承诺。命中的调用以合同阈值取代默认 SLA。
type Contract struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
	SLAMs  int64  `yaml:"sla_ms"`
}

// ContractRegistry 按来源维护 SLA 合同，可在运行期注册或整体加载。
type ContractRegistry struct {
	mu       sync.RWMutex
	bySource map[string]Contract
}

// NewContractRegistry 创建空的合同注册表。
func NewContractRegistry() *ContractRegistry {
	return &ContractRegistry{bySource: make(map[string]Contract)}
}

// LoadContractFile 从 YAML 文件加载合同列表。
func LoadContractFile(path string) (*ContractRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("合同文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取合同文件失败: %w", err)
	}

	var doc struct {
		Contracts []Contract `yaml:"contracts"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析合同文件失败: %w", err)
	}

	registry := NewContractRegistry()
	for _, contract := range doc.Contracts {
		if err := registry.Register(contract); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Register 注册或覆盖一条合同。
func (r *ContractRegistry) Register(contract Contract) error {
	if strings.TrimSpace(contract.Source) == "" {
		return fmt.Errorf("合同 %q 缺少 source", contract.ID)
	}
	if contract.SLAMs <= 0 {
		return fmt.Errorf("合同 %q 的 sla_ms 必须为正数", contract.ID)
	}
	if contract.ID == "" {
		contract.ID = "contract-" + contract.Source
	}
	r.mu.Lock()
	r.bySource[contract.Source] = contract
	r.mu.Unlock()
	return nil
}

// Lookup 返回来源对应的合同。
func (r *ContractRegistry) Lookup(source string) (Contract, bool) {
	if r == nil {
		return Contract{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	contract, ok := r.bySource[source]
	return contract, ok
}

// Apply 按响应来源套用合同：命中时以合同阈值重算 slaMet 并记录合同号。
// 未命中则原样返回。
func (r *ContractRegistry) Apply(record CallRecord) CallRecord {
	contract, ok := r.Lookup(record.Response.Data.Source)
	if !ok {
		return record
	}
	record.Response.SLAMs = contract.SLAMs
	record.Response.SLAMet = record.Response.LatencyMs <= contract.SLAMs
	record.Response.ContractID = contract.ID
	return record
}

// Sources 返回已注册合同的来源列表，用于诊断。
func (r *ContractRegistry) Sources() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sources := make([]string, 0, len(r.bySource))
	for source := range r.bySource {
		sources = append(sources, source)
	}
	return sources
}
