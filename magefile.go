//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	distDir    = "./dist"
	reportsDir = "./reports"

	redisContainer  = "cbmgrc-redis-dev"
	influxContainer = "cbmgrc-influxdb-dev"
)

// Default 默认任务：显示帮助信息
func Default() {
	fmt.Println("CBM GRC 构建系统")
	fmt.Println("================")
	fmt.Println("可用任务:")
	fmt.Println("  mage build            - 构建 cbm_server 和 explorer")
	fmt.Println("  mage test             - 运行单元测试和集成测试")
	fmt.Println("  mage testUnit         - 运行单元测试 (带 -race)")
	fmt.Println("  mage testIntegration  - 运行需要 Redis 的集成测试")
	fmt.Println("  mage benchmark        - 运行缓存和加载器的基准测试")
	fmt.Println("  mage run              - 以 debug 模式启动 BFF")
	fmt.Println("  mage docker:env       - 启动 Redis + InfluxDB 开发容器")
	fmt.Println("  mage docker:down      - 停止开发容器")
	fmt.Println("  mage clean            - 清理构建产物")
	fmt.Println("  mage lint             - gofmt + go vet")
	fmt.Println("  mage coverage         - 生成测试覆盖率报告")
}

// Build 构建所有二进制文件
func Build() error {
	mg.Deps(Clean)

	targets := []struct {
		name string
		path string
	}{
		{"cbm_server", "./cmd/cbm_server"},
		{"explorer", "./cmd/explorer"},
	}

	for _, target := range targets {
		fmt.Printf("📦 构建 %s...\n", target.name)
		output := filepath.Join(distDir, target.name)
		if runtime.GOOS == "windows" {
			output += ".exe"
		}

		env := map[string]string{"CGO_ENABLED": "0"}
		if err := sh.RunWith(env, "go", "build", "-o", output, target.path); err != nil {
			return fmt.Errorf("构建 %s 失败: %v", target.name, err)
		}

		if info, err := os.Stat(output); err == nil {
			fmt.Printf("   ✅ %s: %d MB\n", target.name, info.Size()/1024/1024)
		}
	}
	return nil
}

// Test 运行所有测试
func Test() error {
	mg.SerialDeps(TestUnit, TestIntegration)
	return nil
}

// TestUnit 运行单元测试
func TestUnit() error {
	fmt.Println("🧪 运行单元测试...")
	return sh.RunV("go", "test", "-race", "-timeout=5m", "./pkg/...")
}

// TestIntegration 运行集成测试，Redis 地址来自 CBM_REDIS_ADDR
func TestIntegration() error {
	fmt.Println("🔗 运行集成测试...")
	if !isContainerRunning(redisContainer) {
		fmt.Println("⚠️  Redis 开发容器未运行，集成测试会被跳过 (mage docker:env)")
	}

	env := map[string]string{}
	if os.Getenv("CBM_REDIS_ADDR") == "" {
		env["CBM_REDIS_ADDR"] = "localhost:6379"
	}
	return sh.RunWithV(env, "go", "test", "-tags=integration", "-timeout=10m", "./pkg/remotecache/...")
}

// Benchmark 运行性能基准测试
func Benchmark() error {
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}

	out, err := sh.Output("go", "test", "./pkg/localcache", "./pkg/grid", "-bench=.", "-benchmem", "-run=^$")
	if err != nil {
		return fmt.Errorf("基准测试失败: %v", err)
	}
	report := filepath.Join(reportsDir, "benchmark.txt")
	if err := os.WriteFile(report, []byte(out), 0644); err != nil {
		return err
	}
	fmt.Println(out)
	fmt.Println("✅ 报告保存到 " + report)
	return nil
}

// Run 以 debug 模式启动 BFF
func Run() error {
	env := map[string]string{
		"CBM_SERVER_MODE":  "debug",
		"CBM_LOGGER_LEVEL": "debug",
	}
	return sh.RunWithV(env, "go", "run", "./cmd/cbm_server")
}

type Docker mg.Namespace

// Env 启动 Redis 和 InfluxDB 开发容器
func (Docker) Env() error {
	if !isContainerRunning(redisContainer) {
		fmt.Println("🚀 启动 Redis...")
		if err := sh.RunV("docker", "run", "-d", "--rm", "--name", redisContainer,
			"-p", "6379:6379", "redis:7-alpine"); err != nil {
			return err
		}
	}
	if !isContainerRunning(influxContainer) {
		fmt.Println("🚀 启动 InfluxDB...")
		if err := sh.RunV("docker", "run", "-d", "--rm", "--name", influxContainer,
			"-p", "8086:8086",
			"-e", "DOCKER_INFLUXDB_INIT_MODE=setup",
			"-e", "DOCKER_INFLUXDB_INIT_USERNAME=cbm",
			"-e", "DOCKER_INFLUXDB_INIT_PASSWORD=cbm_dev_pass",
			"-e", "DOCKER_INFLUXDB_INIT_ORG=cbm",
			"-e", "DOCKER_INFLUXDB_INIT_BUCKET=cbm_grc",
			"-e", "DOCKER_INFLUXDB_INIT_ADMIN_TOKEN=cbm-dev-token",
			"influxdb:2.7"); err != nil {
			return err
		}
	}
	return nil
}

// Down 停止开发容器
func (Docker) Down() error {
	for _, name := range []string{redisContainer, influxContainer} {
		if isContainerRunning(name) {
			if err := sh.RunV("docker", "stop", name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clean 清理构建产物
func Clean() error {
	if err := os.RemoveAll(distDir); err != nil {
		return fmt.Errorf("清理 dist 失败: %v", err)
	}
	if err := os.MkdirAll(distDir, 0755); err != nil {
		return fmt.Errorf("创建 dist 目录失败: %v", err)
	}
	if err := os.RemoveAll(filepath.Join(reportsDir, "coverage.out")); err != nil {
		fmt.Printf("警告: 清理覆盖率文件失败: %v\n", err)
	}
	return nil
}

// Lint 检查格式并运行 go vet
func Lint() error {
	out, err := sh.Output("gofmt", "-l", "cmd", "pkg")
	if err != nil {
		return fmt.Errorf("gofmt 检查失败: %v", err)
	}
	if out != "" {
		fmt.Printf("以下文件需要格式化:\n%s\n", out)
		if err := sh.Run("gofmt", "-w", "cmd", "pkg"); err != nil {
			return fmt.Errorf("自动修复失败: %v", err)
		}
		fmt.Println("🛠️  已自动格式化")
	}
	return sh.RunV("go", "vet", "./...")
}

// Coverage 生成测试覆盖率报告
func Coverage() error {
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}

	profile := filepath.Join(reportsDir, "coverage.out")
	html := filepath.Join(reportsDir, "coverage.html")
	if err := sh.Run("go", "test", "./pkg/...", "-coverprofile="+profile, "-covermode=atomic"); err != nil {
		return fmt.Errorf("生成覆盖率失败: %v", err)
	}
	if err := sh.Run("go", "tool", "cover", "-html="+profile, "-o", html); err != nil {
		return fmt.Errorf("生成HTML报告失败: %v", err)
	}
	if err := sh.RunV("go", "tool", "cover", "-func="+profile); err != nil {
		return err
	}

	fmt.Println("   详细报告: file://" + absPath(html))
	return nil
}

func isContainerRunning(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", name).Output()
	return err == nil && string(out) == "true\n"
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
