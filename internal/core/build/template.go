package build

import (
	"bytes"
	"fmt"
	"text/template"
)

const (
	// CompileStage names the intermediate stage of every generated build file.
	CompileStage = "compile"
	// LabelStage and LabelFunction tag images so intermediate layers can be
	// pruned per function.
	LabelStage    = "faas.stage"
	LabelFunction = "faas.function"
	LabelVersion  = "faas.version"

	// DockerfileName is written into the build context next to the sources.
	DockerfileName = "Dockerfile.faas"
)

// TemplateParams are the inputs of the generated build description.
type TemplateParams struct {
	CompilerImage string
	Platform      string
	EntryPoint    string
	FunctionID    string
	Version       int
}

var dockerfileTemplate = template.Must(template.New("dockerfile").Parse(`FROM --platform={{ .Platform }} {{ .CompilerImage }} AS {{ .Stage }}
LABEL {{ .LabelStage }}="{{ .Stage }}" {{ .LabelFunction }}="{{ .FunctionID }}"
WORKDIR /app
COPY pubspec.* ./
RUN dart pub get
COPY . .
RUN dart pub get --offline && dart compile exe {{ .EntryPoint }} -o /app/bin/function

FROM scratch
COPY --from={{ .Stage }} /runtime/ /
COPY --from={{ .Stage }} /app/bin/function /app/bin/function
LABEL {{ .LabelFunction }}="{{ .FunctionID }}" {{ .LabelVersion }}="{{ .Version }}"
ENTRYPOINT ["/app/bin/function"]
`))

// RenderDockerfile produces a two stage build: the compile stage turns the
// entry point into a native executable, the final stage carries only that
// executable and the minimal runtime files the compiler image ships in /runtime.
func RenderDockerfile(p TemplateParams) (string, error) {
	if p.CompilerImage == "" || p.Platform == "" || p.EntryPoint == "" {
		return "", fmt.Errorf("render dockerfile: compiler image, platform and entry point are required")
	}
	data := struct {
		TemplateParams
		Stage         string
		LabelStage    string
		LabelFunction string
		LabelVersion  string
	}{p, CompileStage, LabelStage, LabelFunction, LabelVersion}

	var buf bytes.Buffer
	if err := dockerfileTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render dockerfile: %w", err)
	}
	return buf.String(), nil
}

// CompileStageLabels selects the intermediate images of one function.
func CompileStageLabels(functionID string) map[string]string {
	return map[string]string{LabelStage: CompileStage, LabelFunction: functionID}
}
