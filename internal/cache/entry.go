package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DefaultContentType 在上游未返回 Content-Type 时使用。
const DefaultContentType = "image/jpeg"

// DefaultExtension 是分类表未命中时的扩展名。
const DefaultExtension = "jpg"

// extensionRule 将 MIME 片段映射到扩展名，按顺序匹配。
type extensionRule struct {
	markers   []string
	extension string
}

var extensionTable = []extensionRule{
	{markers: []string{"jpeg", "jpg"}, extension: "jpg"},
	{markers: []string{"png"}, extension: "png"},
	{markers: []string{"gif"}, extension: "gif"},
	{markers: []string{"webp"}, extension: "webp"},
	{markers: []string{"svg"}, extension: "svg"},
	{markers: []string{"bmp"}, extension: "bmp"},
	{markers: []string{"ico"}, extension: "ico"},
}

// Classify 根据 Content-Type 推导文件扩展名，大小写不敏感的子串匹配，首个命中生效，
// 任意输入都会得到非空结果。
func Classify(contentType string) string {
	lowered := strings.ToLower(contentType)
	for _, rule := range extensionTable {
		for _, marker := range rule.markers {
			if strings.Contains(lowered, marker) {
				return rule.extension
			}
		}
	}
	return DefaultExtension
}

// Digest 返回 URL 原始字符串的 SHA-256 十六进制摘要，用于命名缓存文件。
func Digest(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Entry 描述一个已缓存 URL 的元数据。Hash 仅为便于排查而保存，
// 定位文件时总是根据 URL 重新计算。
type Entry struct {
	URL         string
	ContentType string
	Extension   string
	Hash        string
}

// NewEntry 基于 URL 与上游 Content-Type 构造 Entry，空 Content-Type 回退到 image/jpeg。
func NewEntry(url, contentType string) Entry {
	if contentType == "" {
		contentType = DefaultContentType
	}
	return Entry{
		URL:         url,
		ContentType: contentType,
		Extension:   Classify(contentType),
		Hash:        Digest(url),
	}
}

// knownExtension 报告 ext 是否为分类表产出的扩展名之一。
func knownExtension(ext string) bool {
	for _, rule := range extensionTable {
		if rule.extension == ext {
			return true
		}
	}
	return false
}

// ResolvedExtension 返回存储的扩展名；字段缺失或不在分类表内时从 ContentType 推导，
// 索引中的任意字符串不会进入文件名。
func (e Entry) ResolvedExtension() string {
	if knownExtension(e.Extension) {
		return e.Extension
	}
	contentType := e.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	return Classify(contentType)
}

// FileName 返回 <digest(url)>.<ext> 形式的缓存文件名。
func (e Entry) FileName() string {
	return Digest(e.URL) + "." + e.ResolvedExtension()
}
