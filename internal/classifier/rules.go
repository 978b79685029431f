package classifier

// Environment hints attached to fatal markers that are usually caused by the
// worker's environment rather than the scene.
const (
	hintNoSite = "Failed to import the following modules: site\n" +
		"Please ensure that your environment is set correctly or that you are allowing the render environment to be set."

	hintConnectPlugin = "Cinema 4D was unable to locate the connection plugin. " +
		"This is a known issue in R18 and R19 for batch rendering."

	hintHashNotFound = "OpenSSL has not been set up to work properly with Cinema 4D, this is a non-blocking issue."

	hintNoOpenGL = "This task was configured to not load OpenGL. If you are using the Hardware OpenGL renderer, " +
		"resubmit without -no-opengl and with the ogl_hardware renderer."
)

// RuleOptions adjust the Cinema 4D rule table to how the renderer was
// launched.
type RuleOptions struct {
	// OpenGLDisabled is set when the renderer was started with -noopengl.
	OpenGLDisabled bool
}

// Cinema4DRules is the rule table for Cinema 4D command-line and batch
// rendering, in evaluation order:
//
//  1. fatal markers
//  2. frame start / phase markers (Main Render before generic percent)
//  3. completion and finalize
//  4. block-based engine progress, then engine detection
//  5. notices and warnings
func Cinema4DRules() []Rule {
	return Cinema4DRulesWith(RuleOptions{})
}

// Cinema4DRulesWith is Cinema4DRules adjusted by opts.
func Cinema4DRulesWith(opts RuleOptions) []Rule {
	resolution := Literal("resolution_too_high", EventFatal, "The output resolution is too high for the selected render engine")
	if opts.OpenGLDisabled {
		resolution = resolution.WithMessage(hintNoOpenGL)
	}

	return []Rule{
		// Fatal markers.
		Literal("document_not_found", EventFatal, "Document not found"),
		Literal("project_not_found", EventFatal, "Project not found"),
		Literal("error_rendering_project", EventFatal, "Error rendering project"),
		Literal("error_loading_project", EventFatal, "Error loading project"),
		Literal("error_rendering_document", EventFatal, "Error rendering document"),
		Literal("error_loading_document", EventFatal, "Error loading document"),
		Literal("rendering_failed", EventFatal, "Rendering failed"),
		Literal("asset_missing", EventFatal, "Asset missing"),
		Literal("asset_error", EventFatal, "Asset Error"),
		Literal("invalid_license", EventFatal, "Invalid License"),
		Literal("license_check_error", EventFatal, "License Check error"),
		Literal("files_not_writable", EventFatal, "Files cannot be written"),
		Literal("registration_required", EventFatal, "Enter Registration Data"),
		resolution,
		Literal("unable_to_write", EventFatal, "Unable to write file"),
		Literal("rlm_license_abort", EventFatal, "[rlm] abort_on_license_fail enabled"),
		Literal("render_document_failed", EventFatal, "RenderDocument failed with return code"),
		Literal("frame_aborted", EventFatal, "Frame rendering aborted."),
		Literal("internally_aborted", EventFatal, "Rendering was internally aborted"),
		Literal("redshift_preference_missing", EventFatal, `Cannot find procedure "rsPreference"`),
		Literal("connect_plugin_missing", EventFatal, "Warning: Unknown arguments: -DeadlineConnect").
			WithMessage(hintConnectPlugin),
		Literal("python_site_missing", EventFatal, "ImportError: No module named site").
			WithMessage(hintNoSite),

		// Frame and phase markers.
		MustRule("frame_started", EventFrameStarted, `Rendering frame ([0-9]+) at`),
		Literal("phase_setup", EventPhaseChange, "Rendering Phase: Setup").WithPhase(PhaseSetup),
		Literal("phase_main_render", EventPhaseChange, "Rendering Phase: Main Render").WithPhase(PhaseMainRender),
		MustRule("sub_progress", EventSubProgress, `Progress: (\d+)%`),
		Literal("rendering_successful", EventTaskComplete, "Rendering successful"),
		Literal("phase_finalize", EventFrameFinalized, "Rendering Phase: Finalize").WithPhase(PhaseFinalize),

		// Block-reporting engines (Redshift).
		MustRule("frame_ordinal", EventFrameOrdinal, `Rendering frame \d+ \((\d+)/\d+\)`),
		MustRule("block_rendered", EventBlockProgress, `Block (\d+)/(\d+) .+ rendered`),
		MustRule("redshift_detected", EventEngineDetected, `Redshift (Info|Detailed|Debug|Warning|Error)`),

		// Notices.
		MustRule("hash_not_found", EventInfo, `code for hash .* was not found\.`).
			WithMessage(hintHashNotFound),
		MustRule("warning", EventWarning, `(?i)^\s*warning:`),
	}
}

// DefaultClassifier returns a classifier over Cinema4DRules.
func DefaultClassifier() *Classifier {
	return New(Cinema4DRules()...)
}

// NewCinema4DClassifier returns a classifier over Cinema4DRulesWith(opts).
func NewCinema4DClassifier(opts RuleOptions) *Classifier {
	return New(Cinema4DRulesWith(opts)...)
}
