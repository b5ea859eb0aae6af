package securelink

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// KeyFile secure link 密钥文件格式：
//
//	key: 64 位十六进制会话密钥
//	secureIds: [4, 30]  # 需要加密的命令号
type KeyFile struct {
	Key       string   `yaml:"key"`
	SecureIDs []uint16 `yaml:"secureIds"`
}

// ReadKeyFile 读取并解析 YAML 密钥文件
func ReadKeyFile(path string) (*KeyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf KeyFile
	if err := yaml.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	return &kf, nil
}

func (kf *KeyFile) key() ([]byte, error) {
	key, err := hex.DecodeString(kf.Key)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	return key, nil
}

// NewCodec 构造主机侧编解码器
func (kf *KeyFile) NewCodec() (*Codec, error) {
	key, err := kf.key()
	if err != nil {
		return nil, err
	}
	return New(key, kf.SecureIDs)
}

// NewPeerCodec 构造设备侧编解码器（模拟固件用）
func (kf *KeyFile) NewPeerCodec() (*Codec, error) {
	key, err := kf.key()
	if err != nil {
		return nil, err
	}
	return NewPeer(key, kf.SecureIDs)
}

// LoadKeyFile 从 YAML 密钥文件构造主机侧编解码器
func LoadKeyFile(path string) (*Codec, error) {
	kf, err := ReadKeyFile(path)
	if err != nil {
		return nil, err
	}
	return kf.NewCodec()
}
