package pipeline

// defaultDeclaration is the built-in delivery pipeline used when no
// pipeline file is given: checkout, matrixed build/test, parallel
// lint+build, quality gate, best-effort security scans, image publish,
// canary rollout, manual promotion guarding the production rollout.
const defaultDeclaration = `
name: delivery
stages:
  - name: checkout
    steps:
      - run: git fetch --tags && git checkout ${BRANCH}

  - name: test
    matrix:
      axes:
        node: ["16", "18", "20"]
    context:
      label: node
      image: node:{{node}}
    steps:
      - run: npm ci
      - run: npm test -- --reporter junit

  - name: verify
    parallel:
      - name: lint
        context:
          label: node
          image: node:20
        steps:
          - run: npm run lint
      - name: build
        context:
          label: node
          image: node:20
        steps:
          - run: npm run build

  - name: quality-gate
    context:
      label: scanner
    gate:
      project: ${APP}
    steps:
      - run: sonar-scanner -Dsonar.projectKey=${APP}

  - name: security-scans
    context:
      label: scanner
    steps:
      - run: trivy image ${REGISTRY}/${IMAGE}:${BUILD_NUMBER}
        best_effort: true
      - run: npm audit --audit-level=high
        best_effort: true

  - name: publish
    context:
      label: docker
    steps:
      - run: docker build -t ${REGISTRY}/${IMAGE}:${BUILD_NUMBER} .
      - run: docker push ${REGISTRY}/${IMAGE}:${BUILD_NUMBER}

  - name: deploy-canary
    context:
      label: kubectl
    deploy:
      deployment: ${APP}-canary
      namespace: ${NAMESPACE}
      image: ${REGISTRY}/${IMAGE}:${BUILD_NUMBER}
    steps:
      - run: kubectl -n ${NAMESPACE} get deploy ${APP}-canary

  - name: promote
    approval:
      prompt: Promote build ${BUILD_NUMBER} to production?
      timeout: 30m
      stages:
        - name: deploy-production
          context:
            label: kubectl
          deploy:
            deployment: ${APP}
            namespace: ${NAMESPACE}
            image: ${REGISTRY}/${IMAGE}:${BUILD_NUMBER}
            rollback: true
          steps:
            - run: kubectl -n ${NAMESPACE} get deploy ${APP}
    post:
      always:
        - run: echo promotion gate resolved
`

// DefaultDeclarationYAML returns the built-in declaration source, used
// by project scaffolding.
func DefaultDeclarationYAML() string {
	return defaultDeclaration
}

// DefaultDeclaration returns the built-in delivery pipeline declaration.
func DefaultDeclaration() *Declaration {
	decl, err := ParseDeclaration([]byte(defaultDeclaration))
	if err != nil {
		// The built-in declaration is validated by tests; a parse
		// failure here is a programming error.
		panic(err)
	}
	return decl
}
