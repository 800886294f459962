// Package config 提供 GateFlow 的统一配置加载：
// 默认值 → YAML 文件 → 环境变量（前缀 GATEFLOW）三层覆盖。
package config
