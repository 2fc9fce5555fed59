package config

import (
	"os"
)

// EnvironmentType 环境类型枚举
type EnvironmentType string

const (
	EnvDevelopment EnvironmentType = "development"
	EnvTesting     EnvironmentType = "testing"
	EnvStaging     EnvironmentType = "staging"
	EnvLocal       EnvironmentType = "local"
)

// String 实现字符串接口
func (e EnvironmentType) String() string {
	return string(e)
}

// IsValid 检查环境类型是否有效
func (e EnvironmentType) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvLocal:
		return true
	default:
		return false
	}
}

// CurrentEnvironment 从GATEWAY_ENV读取当前环境，未设置时默认development
func CurrentEnvironment() EnvironmentType {
	env := EnvironmentType(os.Getenv("GATEWAY_ENV"))
	if !env.IsValid() {
		return EnvDevelopment
	}
	return env
}
