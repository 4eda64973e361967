package jscode

import (
	"regexp"

	"github.com/exploopio/extrisk/pkg/shared/severity"
	"github.com/exploopio/extrisk/pkg/xrs"
)

// PatternClass separates the severity-scored pattern set from the
// RCE / exfiltration indicator set, which is scored max-per-class.
type PatternClass string

const (
	ClassCode  PatternClass = "code"
	ClassRCE   PatternClass = "rce"
	ClassExfil PatternClass = "exfil"
)

// Pattern is one catalogue entry. Expr is compiled case-insensitively.
// When DomainGroup is non-zero, the capture group at that index holds the
// destination domain and matches against known-good domains are suppressed.
type Pattern struct {
	ID          string
	Category    xrs.PatternCategory
	Severity    severity.Level
	Points      float64
	Class       PatternClass
	Expr        string
	DomainGroup int

	re *regexp.Regexp
}

// DefaultCatalogue returns the dangerous-construct catalogue in its fixed
// scan order. Points for ClassCode entries follow the severity point model
// (MEDIUM 5, HIGH 15, CRITICAL 30); ClassRCE/ClassExfil points are the
// calibrated indicator scores.
func DefaultCatalogue() []Pattern {
	return []Pattern{
		// Dynamic evaluation
		{
			ID:       "eval_call",
			Category: xrs.CategoryEval,
			Severity: severity.Critical,
			Points:   30,
			Class:    ClassCode,
			Expr:     `eval\s*\(`,
		},
		{
			ID:       "eval_remote_fetch",
			Category: xrs.CategoryEval,
			Severity: severity.Critical,
			Points:   70,
			Class:    ClassRCE,
			Expr:     `eval\s*\([^)]*fetch\s*\(|eval\s*\([^)]*XMLHttpRequest`,
		},

		// Dynamic function construction and deferred string execution
		{
			ID:       "function_constructor",
			Category: xrs.CategoryDynamicFunction,
			Severity: severity.Critical,
			Points:   30,
			Class:    ClassCode,
			Expr:     `new\s+Function\s*\(`,
		},
		{
			ID:       "settimeout_string",
			Category: xrs.CategoryDynamicFunction,
			Severity: severity.Medium,
			Points:   5,
			Class:    ClassCode,
			Expr:     `setTimeout\s*\(\s*["']`,
		},
		{
			ID:       "setinterval_string",
			Category: xrs.CategoryDynamicFunction,
			Severity: severity.Medium,
			Points:   5,
			Class:    ClassCode,
			Expr:     `setInterval\s*\(\s*["']`,
		},

		// Remote module loading
		{
			ID:       "remote_import",
			Category: xrs.CategoryRemoteLoad,
			Severity: severity.Critical,
			Points:   40,
			Class:    ClassRCE,
			Expr:     `import\s*\(\s*["']https?://`,
		},
		{
			ID:       "remote_script_src",
			Category: xrs.CategoryRemoteLoad,
			Severity: severity.High,
			Points:   30,
			Class:    ClassRCE,
			Expr:     `(?:script|link)\.src\s*=\s*["']https?://`,
		},
		{
			ID:       "script_element_injection",
			Category: xrs.CategoryRemoteLoad,
			Severity: severity.Critical,
			Points:   30,
			Class:    ClassCode,
			Expr:     `\.appendChild\s*\([^)]*createElement\s*\(\s*["']script["']`,
		},

		// Cookie exfiltration
		{
			ID:          "cookie_to_remote",
			Category:    xrs.CategoryExfilCookie,
			Severity:    severity.Critical,
			Points:      40,
			Class:       ClassExfil,
			Expr:        `document\.cookie.*?(?:fetch|XMLHttpRequest).*?https?://([a-zA-Z0-9.-]+)`,
			DomainGroup: 1,
		},
		{
			ID:       "cookie_read",
			Category: xrs.CategoryExfilCookie,
			Severity: severity.Medium,
			Points:   5,
			Class:    ClassCode,
			Expr:     `document\.cookie`,
		},

		// Token / credential exfiltration
		{
			ID:          "token_to_remote",
			Category:    xrs.CategoryExfilToken,
			Severity:    severity.Critical,
			Points:      40,
			Class:       ClassExfil,
			Expr:        `(?:localStorage\.getItem|sessionStorage\.getItem|Authorization|Bearer).*?fetch.*?https?://([a-zA-Z0-9.-]+)`,
			DomainGroup: 1,
		},
		{
			ID:          "beacon_to_remote",
			Category:    xrs.CategoryExfilToken,
			Severity:    severity.High,
			Points:      30,
			Class:       ClassExfil,
			Expr:        `navigator\.sendBeacon\s*\(\s*["']https?://([a-zA-Z0-9.-]+)`,
			DomainGroup: 1,
		},
		{
			ID:          "post_to_remote",
			Category:    xrs.CategoryExfilToken,
			Severity:    severity.High,
			Points:      25,
			Class:       ClassExfil,
			Expr:        `fetch\s*\(\s*["']https?://([a-zA-Z0-9.-]+)[^)]*method\s*:\s*["']POST["']`,
			DomainGroup: 1,
		},
		{
			ID:       "auth_header_literal",
			Category: xrs.CategoryExfilToken,
			Severity: severity.High,
			Points:   15,
			Class:    ClassCode,
			Expr:     `(?:Authorization|Bearer)\s*[:=]\s*["']`,
		},

		// Keystroke / form capture
		{
			ID:          "keylog_to_remote",
			Category:    xrs.CategoryExfilKeylog,
			Severity:    severity.Critical,
			Points:      50,
			Class:       ClassExfil,
			Expr:        `addEventListener\s*\(\s*["'](?:keydown|keypress|input)["'][^}]*?fetch.*?https?://([a-zA-Z0-9.-]+)`,
			DomainGroup: 1,
		},
		{
			ID:       "keystroke_listener",
			Category: xrs.CategoryExfilKeylog,
			Severity: severity.High,
			Points:   15,
			Class:    ClassCode,
			Expr:     `addEventListener\s*\(\s*["'](?:keydown|keypress)["']`,
		},
		{
			ID:       "credential_field_scan",
			Category: xrs.CategoryExfilKeylog,
			Severity: severity.High,
			Points:   15,
			Class:    ClassCode,
			Expr:     `(?:password|passwd|credential|token).*?\.(?:value|text|innerHTML)`,
		},
		{
			ID:       "form_action_hijack",
			Category: xrs.CategoryExfilKeylog,
			Severity: severity.Critical,
			Points:   30,
			Class:    ClassCode,
			Expr:     `\.(?:attr|setAttribute)\s*\(\s*["']action["']\s*,\s*["'](?:https?://|//)`,
		},
		{
			ID:       "form_field_monitoring",
			Category: xrs.CategoryExfilKeylog,
			Severity: severity.Medium,
			Points:   5,
			Class:    ClassCode,
			Expr:     `document\.forms|querySelector[^;]*input|getElementsByTagName[^;]*input`,
		},

		// Obfuscation constructs
		{
			ID:       "nested_decode",
			Category: xrs.CategoryObfuscation,
			Severity: severity.High,
			Points:   15,
			Class:    ClassCode,
			Expr:     `atob\s*\(\s*atob\s*\(`,
		},
	}
}

// APIScore is one dangerous browser API with its abuse score.
type APIScore struct {
	API    string
	Points float64

	re *regexp.Regexp
}

// DefaultAPIScores returns the dangerous API table. The abuse component
// takes the single highest matched score.
func DefaultAPIScores() []APIScore {
	return []APIScore{
		{API: "chrome.debugger", Points: 100},
		{API: "chrome.webRequestBlocking", Points: 70},
		{API: "chrome.proxy", Points: 70},
		{API: "chrome.cookies", Points: 40},
		{API: "chrome.webNavigation", Points: 30},
		{API: "chrome.scripting.executeScript", Points: 20},
	}
}
