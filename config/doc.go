// Package config 提供 MoFA FM 的配置管理功能。
//
// 支持从 YAML 文件和环境变量加载配置，
// 优先级为 默认值 → YAML 文件 → 环境变量。
// 会话一经启动配置即不可变，不提供热重载。
package config
